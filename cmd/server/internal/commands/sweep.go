package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/logger"
	"github.com/wolfeidau/sessiond/internal/store"
)

type SweepCmd struct {
	Config string `help:"YAML config file, only the store section is read" type:"existingfile" env:"SESSIOND_CONFIG"`

	Store StoreFlags `embed:""`
}

func (c *SweepCmd) Run(ctx context.Context, globals *Globals) error {
	if c.Config != "" {
		fileConfig, err := loadConfigFile(c.Config)
		if err != nil {
			return err
		}
		fileConfig.applyStore(&c.Store)
	}

	log.Logger = logger.Setup(globals.Debug)

	if !c.Store.Durable() {
		return errors.New("sweep needs a durable store (--store-type sqlite or postgres)")
	}

	sessionStore, err := c.Store.NewStore()
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}

	removed, remaining, err := sweepOnce(ctx, sessionStore, time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("Removed %d expired sessions, %d remaining\n", removed, remaining)
	return nil
}

// sweepOnce opens st, removes sessions expired at now and closes it again.
// Durable stores purge on Initialize and log that count themselves.
func sweepOnce(ctx context.Context, st store.SessionStore, now time.Time) (removed, remaining int, err error) {
	if err := st.Initialize(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	removed, err = st.DeleteExpired(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	remaining, err = st.Count(ctx)
	if err != nil {
		return 0, 0, err
	}

	return removed, remaining, nil
}
