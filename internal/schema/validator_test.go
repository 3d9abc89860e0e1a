package schema

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	tests := []struct {
		name    string
		schema  string
		body    string
		wantErr bool
	}{
		{"metadata ok", UploadMetadata, `{"originalName":"a.png","bucket":"avatars","isPublic":true}`, false},
		{"metadata empty object", UploadMetadata, `{}`, false},
		{"metadata unknown field", UploadMetadata, `{"owner":"u2"}`, true},
		{"metadata bad bucket", UploadMetadata, `{"bucket":"Bad Bucket"}`, true},
		{"metadata negative size", UploadMetadata, `{"size":-1}`, true},
		{"batch ok", BatchDelete, `{"fileIds":["a","b"]}`, false},
		{"batch empty", BatchDelete, `{"fileIds":[]}`, true},
		{"batch duplicates", BatchDelete, `{"fileIds":["a","a"]}`, true},
		{"copy ok", CopyFile, `{"targetBucket":"archive"}`, false},
		{"copy missing bucket", CopyFile, `{}`, true},
		{"switch ok", SwitchStrategy, `{"strategy":"s3"}`, false},
		{"switch wrong type", SwitchStrategy, `{"strategy":1}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema, []byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) || len(verr.Issues) == 0 {
					t.Errorf("Validate() error = %T, want *ValidationError with issues", err)
				}
			}
		})
	}
}

func TestValidateMalformedAndUnknown(t *testing.T) {
	v, _ := NewValidator()

	err := v.Validate(BatchDelete, []byte(`{"fileIds":`))
	var verr *ValidationError
	if err == nil || errors.As(err, &verr) {
		t.Errorf("Validate(malformed) error = %v, want plain error", err)
	}
	if err := v.Validate("nope", []byte(`{}`)); err == nil {
		t.Errorf("Validate(unknown schema) error = nil")
	}
}
