package service

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/strategy"
)

// SwitchStorageStrategy makes name the strategy for subsequent uploads once its
// configuration validates. Existing records stay where they are. It returns false
// without switching when validation fails.
func (s *FileService) SwitchStorageStrategy(ctx context.Context, name string) (bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	target, err := s.factory.Get(name)
	if err != nil {
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			return false, apperrors.NewWithDetails(apperrors.FS_VALIDATION, "unknown storage strategy", "",
				map[string]any{"strategy": name, "available": s.factory.AvailableTypes()})
		}
		return false, apperrors.Wrap(apperrors.FS_INTERNAL, "strategy lookup failed", err)
	}

	vctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()
	if !target.ValidateConfiguration(vctx) {
		s.logger.Warn("storage strategy switch rejected, configuration invalid", "strategy", name)
		return false, nil
	}

	previous := s.factory.CurrentName()
	if err := s.factory.SetCurrent(name); err != nil {
		return false, apperrors.Wrap(apperrors.FS_INTERNAL, "strategy switch failed", err)
	}
	s.logger.Info("storage strategy switched", "from", previous, "to", name)
	return true, nil
}

// AvailableStrategies lists the registered strategy names.
func (s *FileService) AvailableStrategies() []string {
	return s.factory.AvailableTypes()
}

// CurrentStrategy returns the name uploads currently go to.
func (s *FileService) CurrentStrategy() string {
	return s.factory.CurrentName()
}

// ValidateCurrentStrategy probes the active strategy.
func (s *FileService) ValidateCurrentStrategy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()
	return s.factory.ValidateCurrent(ctx)
}

// StorageStatistics reports usage of the active strategy.
func (s *FileService) StorageStatistics(ctx context.Context) model.StorageStatistics {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()
	return s.factory.Current().Statistics(ctx)
}

// Ping checks the metadata store.
func (s *FileService) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return backendError("metadata store ping", err)
	}
	return nil
}
