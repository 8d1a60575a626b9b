package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomsyncd/internal/actuator"
	"github.com/dokzlo13/roomsyncd/internal/config"
	"github.com/dokzlo13/roomsyncd/internal/db"
	"github.com/dokzlo13/roomsyncd/internal/device"
	"github.com/dokzlo13/roomsyncd/internal/eventbus"
	"github.com/dokzlo13/roomsyncd/internal/ledger"
	"github.com/dokzlo13/roomsyncd/internal/metrics"
	"github.com/dokzlo13/roomsyncd/internal/publisher"
	"github.com/dokzlo13/roomsyncd/internal/web"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Bus    *eventbus.Bus

	// Sync engines
	Actuator  *actuator.Engine
	Publisher *publisher.Engine

	// Operational surface
	Web *web.Server

	wg sync.WaitGroup
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize event bus and its subscribers
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Ledger = ledger.New(database.DB)
	s.Ledger.Attach(s.Bus)
	metrics.Attach(s.Bus)

	// Initialize the actuator engine
	if cfg.Actuator.Enabled {
		deviceID := cfg.Actuator.DeviceID
		if deviceID == "" {
			deviceID = device.ID()
		}
		s.Actuator = actuator.New(actuator.Config{
			Addr:              cfg.Redis.Addr,
			Password:          cfg.Redis.Password,
			DeviceID:          deviceID,
			BaseID:            cfg.Actuator.BaseID,
			DialTimeout:       cfg.Redis.DialTimeout.Duration(),
			ReadTimeout:       cfg.Redis.ReadTimeout.Duration(),
			BlockMs:           cfg.Actuator.BlockMs,
			HeartbeatInterval: cfg.Actuator.HeartbeatInterval.Duration(),
			TrimLen:           cfg.Actuator.TrimLen,
			BackoffSteps:      cfg.Redis.BackoffDurations(),
			BackoffJitter:     cfg.Redis.BackoffJitter.Duration(),
		}, actuator.LogOutput{}, s.Bus)
	}

	// Initialize the publisher engine
	if cfg.Publisher.Enabled {
		rooms, err := s.roomSource()
		if err != nil {
			s.Close()
			return nil, err
		}
		curve, err := cfg.Schedule.Curve()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Publisher = publisher.New(publisher.Config{
			Addr:               cfg.Redis.Addr,
			Password:           cfg.Redis.Password,
			DialTimeout:        cfg.Redis.DialTimeout.Duration(),
			ReadTimeout:        cfg.Redis.ReadTimeout.Duration(),
			TrimLen:            cfg.Publisher.TrimLen,
			Interval:           cfg.Publisher.Interval.Duration(),
			MinPublishInterval: cfg.Publisher.MinPublishInterval.Duration(),
			OverrideMinDelta:   uint8(cfg.Publisher.OverrideMinDelta),
			BackoffSteps:       cfg.Redis.BackoffDurations(),
			BackoffJitter:      cfg.Redis.BackoffJitter.Duration(),
		}, curve, rooms, s.Bus)
	}

	// Initialize the status server
	s.Web = web.NewServer(cfg.Web.Host, cfg.Web.Port, s.Actuator, s.Publisher, s.Ledger)

	return s, nil
}

// roomSource picks where the publisher learns its room id: a fixed id from
// configuration, or the co-located actuator's provisioned room.
func (s *Services) roomSource() (publisher.RoomSource, error) {
	if s.cfg.Publisher.RoomID != "" {
		return publisher.StaticRoom(s.cfg.Publisher.RoomID), nil
	}
	if s.Actuator != nil {
		return s.Actuator, nil
	}
	return nil, errors.New("publisher.room_id is required when the actuator role is disabled")
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	if s.Actuator != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Actuator.Run(ctx)
		}()
	}
	if s.Publisher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Publisher.Run(ctx)
		}()
	}

	if s.cfg.Web.Enabled {
		go func() {
			if err := s.Web.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
				log.Error().Err(err).Msg("Status server error")
			}
		}()
	} else {
		log.Debug().Msg("Status server disabled")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop(ctx)
	}()

	return nil
}

// cleanupLoop enforces the ledger retention policy.
func (s *Services) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
		deleted, err := s.Ledger.DeleteOlderThan(retention)
		if err != nil {
			log.Error().Err(err).Msg("Ledger cleanup failed")
			continue
		}
		if deleted > 0 {
			log.Info().Int64("deleted", deleted).Msg("Ledger cleanup done")
		}
	}
}

// Stop gracefully stops all services.
func (s *Services) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Msg("Engine shutdown timed out")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.Bus.Close(ctx)

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}
