// Package registry wires the storage engine together from configuration
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/common"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/manifest"
	"github.com/lgulliver/keystone/internal/metadata"
	"github.com/lgulliver/keystone/internal/storage"
	"github.com/lgulliver/keystone/internal/upload"
	"github.com/lgulliver/keystone/pkg/config"
	"github.com/lgulliver/keystone/pkg/utils"
)

// Service handles registry operations
type Service struct {
	Storage   storage.Backend
	Blobs     *blob.Store
	Uploads   *upload.Manager
	Manifests *manifest.Store

	// Optional collaborators, nil when disabled
	DB    *common.Database
	Cache *common.Cache
	Index *metadata.Index

	cfg *config.Config
}

// NewService builds every component described by cfg. Connections opened
// here are released by Close.
func NewService(cfg *config.Config) (*Service, error) {
	backend, err := storage.NewStorageFactory(&cfg.Storage).CreateStorage()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	s := &Service{Storage: backend, cfg: cfg}

	if cfg.Database.Driver != "" && cfg.Database.Driver != "none" {
		db, err := common.NewDatabase(&cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		s.DB = db
		s.Index = metadata.NewIndex(db.DB)
	}

	if cfg.Redis.Enabled {
		cache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Cache = cache
	}

	if err := s.assemble(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewServiceWithBackend builds a service on an existing backend with no
// database or cache. Used by tests and embedders.
func NewServiceWithBackend(backend storage.Backend, cfg *config.Config) (*Service, error) {
	s := &Service{Storage: backend, cfg: cfg}
	if err := s.assemble(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) assemble() error {
	var blobOpts []blob.Option
	var manifestOpts []manifest.Option

	if s.Cache != nil {
		blobOpts = append(blobOpts, blob.WithCache(common.NewBlobCache(s.Cache, s.cfg.Redis.BlobTTL)))
	}
	if s.Index != nil {
		blobOpts = append(blobOpts, blob.WithRecorder(s.Index))
		manifestOpts = append(manifestOpts, manifest.WithRecorder(s.Index))
	}
	manifestOpts = append(manifestOpts, manifest.WithMaxSize(s.cfg.Manifest.MaxSize))

	s.Blobs = blob.NewStore(s.Storage, blobOpts...)
	s.Manifests = manifest.NewStore(s.Storage, s.Blobs, manifestOpts...)

	alg, err := digest.ParseAlgorithm(s.cfg.Upload.DigestAlgorithm)
	if err != nil {
		return err
	}
	uploads, err := upload.NewManager(s.Storage, s.Blobs, upload.Config{
		Algorithm:         alg,
		SessionTimeout:    s.cfg.Upload.SessionTimeout,
		TerminalRetention: s.cfg.Upload.TerminalRetention,
		MaxChunkSize:      s.cfg.Upload.MaxChunkSize,
		MaxBlobSize:       s.cfg.Upload.MaxBlobSize,
	})
	if err != nil {
		return err
	}
	s.Uploads = uploads

	log.Info().
		Str("storage", s.cfg.Storage.Type).
		Str("digest_algorithm", alg.String()).
		Bool("metadata_index", s.Index != nil).
		Bool("blob_cache", s.Cache != nil).
		Msg("Registry service initialized")
	return nil
}

// RunSweeper expires stale upload sessions until ctx is done
func (s *Service) RunSweeper(ctx context.Context) {
	s.Uploads.RunSweeper(ctx, s.cfg.Upload.SweepInterval)
}

// MountBlob makes an existing blob available to repository. Blobs are
// shared across repositories, so this only confirms the blob exists.
func (s *Service) MountBlob(ctx context.Context, repository, from string, d digest.Digest) (blob.Descriptor, error) {
	if err := utils.ValidateRepositoryName(repository); err != nil {
		return blob.Descriptor{}, err
	}
	if from != "" {
		if err := utils.ValidateRepositoryName(from); err != nil {
			return blob.Descriptor{}, err
		}
	}

	desc, err := s.Blobs.Stat(ctx, d)
	if err != nil {
		return blob.Descriptor{}, err
	}

	log.Info().
		Str("repository", repository).
		Str("from", from).
		Str("digest", d.String()).
		Msg("Mounted blob")
	return desc, nil
}

// UploadMonolithic pushes a whole blob in one request by running a complete
// session. The session is cancelled if any step fails.
func (s *Service) UploadMonolithic(ctx context.Context, repository string, d digest.Digest, content io.Reader) (blob.Descriptor, error) {
	if _, err := digest.Parse(d.String()); err != nil {
		return blob.Descriptor{}, err
	}

	st, err := s.Uploads.Start(ctx, repository)
	if err != nil {
		return blob.Descriptor{}, err
	}

	if _, err := s.Uploads.Patch(ctx, repository, st.ID, 0, content); err != nil {
		s.cancelQuietly(ctx, repository, st.ID)
		return blob.Descriptor{}, err
	}

	desc, err := s.Uploads.Finalize(ctx, repository, st.ID, d)
	if err != nil {
		if !errors.Is(err, upload.ErrDigestMismatch) {
			s.cancelQuietly(ctx, repository, st.ID)
		}
		return blob.Descriptor{}, err
	}
	return desc, nil
}

func (s *Service) cancelQuietly(ctx context.Context, repository, id string) {
	if err := s.Uploads.Cancel(ctx, repository, id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to cancel upload session")
	}
}

// Close releases database and cache connections
func (s *Service) Close() error {
	var errs []error
	if s.Cache != nil {
		errs = append(errs, s.Cache.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
