package cmd

import (
	"context"
	"time"

	"github.com/irfnriza/flowin-swm-server/config"
	"github.com/irfnriza/flowin-swm-server/internal/cache"
	"github.com/irfnriza/flowin-swm-server/internal/database"
	"github.com/irfnriza/flowin-swm-server/internal/models"
	"github.com/irfnriza/flowin-swm-server/internal/repository"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// openRepository opens the configured store. The returned repository must be closed.
func openRepository(cfg *config.Config) (repository.Repository, error) {
	var seed *models.Device
	if cfg.Storage.SeedDefaultDevice && cfg.Storage.DefaultDevice.ID != "" {
		seed = &models.Device{
			ID:           cfg.Storage.DefaultDevice.ID,
			Name:         cfg.Storage.DefaultDevice.Name,
			Location:     cfg.Storage.DefaultDevice.Location,
			RegisteredAt: models.NewTimestamp(time.Now()),
		}
	}

	if cfg.Storage.Driver == config.DriverFile {
		log.WithFields(logrus.Fields{
			"data_file":    cfg.Storage.DataFile,
			"devices_file": cfg.Storage.DevicesFile,
		}).Info("Opening file store")
		return repository.NewFileRepository(repository.FileOptions{
			DataFile:    cfg.Storage.DataFile,
			DevicesFile: cfg.Storage.DevicesFile,
			SeedDevice:  seed,
		})
	}

	db, err := connectDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	log.Info("Running database migrations...")
	if err := database.AutoMigrate(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run database migrations")
	}

	repo := repository.NewGormRepository(db)
	if seed != nil {
		if err := seedRegistry(repo, seed); err != nil {
			repo.Close()
			return nil, err
		}
	}
	return repo, nil
}

// connectDatabase connects with exponential backoff
func connectDatabase(cfg config.DatabaseConfig) (database.DB, error) {
	var (
		db  database.DB
		err error
	)
	maxRetries := 5
	retryInterval := time.Second

	for i := 0; i < maxRetries; i++ {
		log.WithField("attempt", i+1).Info("Connecting to database...")
		db, err = database.Connect(cfg)
		if err == nil {
			log.Info("Successfully connected to database")
			return db, nil
		}

		log.WithFields(logrus.Fields{
			"error":         err.Error(),
			"retry_attempt": i + 1,
			"max_retries":   maxRetries,
		}).Error("Failed to connect to database, retrying...")

		if i < maxRetries-1 {
			time.Sleep(retryInterval)
			retryInterval *= 2
		}
	}

	return nil, errors.Wrapf(err, "failed to connect to database after %d attempts", maxRetries)
}

// seedRegistry registers seed when the registry is empty
func seedRegistry(repo repository.Repository, seed *models.Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	devices, err := repo.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read device registry")
	}
	if len(devices) > 0 {
		return nil
	}

	log.WithField("device_id", seed.ID).Info("Seeding empty device registry")
	return errors.Wrap(repo.UpsertDevice(ctx, seed), "failed to seed device registry")
}

// openCache connects to the shared device cache, falling back to the
// disabled client when Redis is unreachable
func openCache(cfg config.RedisConfig) cache.RedisClient {
	client, err := cache.NewRedisClient(cfg)
	if err != nil {
		log.Warnf("Failed to connect to Redis, continuing without device cache: %v", err)
		return cache.NewDisabledClient()
	}
	return client
}
