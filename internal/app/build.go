package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/callsession"
	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/functions"
	"github.com/ent0n29/callrelay/internal/httpapi"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/persona"
	"github.com/ent0n29/callrelay/internal/realtime"
	"github.com/ent0n29/callrelay/internal/recording"
	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/telephony"
)

type StorageInfo struct {
	Kind   string
	Detail string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  callsession.Store
	Personas  *persona.Catalog
	Recorders *recording.Registry
	Functions *functions.Registry
	Observer  *relay.Observer
	Placer    *telephony.Placer
	Metrics   *observability.Metrics
	Storage   StorageInfo

	// Cleanup flushes recordings still in progress and releases the
	// session store. Call it after the HTTP server has shut down.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	personas, err := persona.NewCatalog(cfg.DefaultPersona, cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("persona catalog init failed: %w", err)
	}
	if cfg.PersonaFile != "" {
		if err := personas.LoadFile(cfg.PersonaFile); err != nil {
			return nil, fmt.Errorf("persona file load failed: %w", err)
		}
	}

	sessions, err := callsession.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("call session store init failed: %w", err)
	}

	storage, err := resolveRecordingStorage(ctx, cfg)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}
	recorders := recording.NewRegistry(recording.RegistryConfig{
		Storage: storage.storage,
		Logger:  logger.Named("recording"),
		Metrics: metrics,
	})

	registry := functions.NewDefaultRegistry(logger.Named("functions"), metrics, time.Now)

	var open relay.Opener
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		open = relay.RealtimeOpener(realtime.Config{
			APIKey:        cfg.OpenAIAPIKey,
			URL:           cfg.OpenAIRealtimeURL,
			Model:         cfg.OpenAIRealtimeModel,
			SettleDelay:   cfg.RealtimeSettleDelay,
			GreetingDelay: cfg.RealtimeGreetingWait,
			Logger:        logger.Named("realtime"),
			Metrics:       metrics,
		})
	} else {
		logger.Warn("OPENAI_API_KEY is not set; media streams will be rejected")
	}

	observer := relay.NewObserver(relay.ObserverConfig{
		Open:        open,
		Personas:    personas,
		Functions:   registry,
		Voice:       cfg.OpenAIVoice,
		Temperature: cfg.OpenAITemperature,
		Logger:      logger.Named("observer"),
		Metrics:     metrics,
	})

	placer := telephony.NewPlacer(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
		PublicHost: cfg.PublicHost,
	})
	if !placer.Configured() {
		logger.Info("outbound calls disabled: twilio credentials or PUBLIC_HOST missing")
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Relay: relay.Config{
			Sessions:         sessions,
			Personas:         personas,
			Recorders:        recorders,
			Functions:        registry,
			Open:             open,
			Voice:            cfg.OpenAIVoice,
			Temperature:      cfg.OpenAITemperature,
			FunctionsEnabled: cfg.RelayFunctionsEnabled,
			RecordCalls:      cfg.RecordCalls,
			MaxCallDuration:  cfg.MaxCallDuration,
			Logger:           logger.Named("relay"),
			Metrics:          metrics,
		},
		Observer: observer,
		Placer:   placer,
		Logger:   logger.Named("http"),
		Metrics:  metrics,
	})

	cleanup := func(ctx context.Context) error {
		var errs []error
		api.Close()
		observer.Close()
		for _, callID := range recorders.Active() {
			if _, err := recorders.Remove(ctx, callID); err != nil {
				errs = append(errs, err)
			}
		}
		if err := sessions.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Personas:  personas,
		Recorders: recorders,
		Functions: registry,
		Observer:  observer,
		Placer:    placer,
		Metrics:   metrics,
		Storage:   StorageInfo{Kind: storage.kind, Detail: storage.detail},
		Cleanup:   cleanup,
	}, nil
}
