// Package app assembles the system from configuration: database, transport,
// agents, orchestrator engine, dashboard, notifications, and scheduled
// maintenance. All wiring is explicit; nothing lives in package-level state.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/voyantlabs/concourse/internal/agent"
	"github.com/voyantlabs/concourse/internal/config"
	"github.com/voyantlabs/concourse/internal/dashboard"
	"github.com/voyantlabs/concourse/internal/db"
	"github.com/voyantlabs/concourse/internal/flight"
	"github.com/voyantlabs/concourse/internal/notify"
	"github.com/voyantlabs/concourse/internal/orchestrator"
	"github.com/voyantlabs/concourse/internal/payment"
	"github.com/voyantlabs/concourse/internal/transport"
	"gorm.io/gorm"
)

// App is a fully wired Concourse instance.
type App struct {
	cfg *config.Config
	out io.Writer

	DB        *gorm.DB
	Transport *transport.GormTransport
	Flight    *agent.Runtime
	Payment   *agent.Runtime
	Engine    *orchestrator.Engine

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the database, migrates the schema, and wires every component.
// Nothing runs until Start.
func New(cfg *config.Config, out io.Writer) (*App, error) {
	gdb, err := db.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}

	tp, err := transport.New(gdb, transport.Options{
		PollInterval: cfg.Transport.PollInterval.Std(),
		Lease:        cfg.Transport.RedeliveryLease.Std(),
		MaxAttempts:  cfg.Transport.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	flightAgent, err := flight.NewAgent(flight.AgentOpts{
		ID:                  cfg.Agents.FlightID,
		Transport:           tp,
		DB:                  gdb,
		UnknownActionPolicy: cfg.Agents.UnknownActionPolicy,
	})
	if err != nil {
		return nil, err
	}
	paymentAgent, err := payment.NewAgent(payment.AgentOpts{
		ID:                  cfg.Agents.PaymentID,
		Transport:           tp,
		DB:                  gdb,
		UnknownActionPolicy: cfg.Agents.UnknownActionPolicy,
	})
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return nil, err
	}

	engine, err := orchestrator.NewEngine(orchestrator.Options{
		ID:                  cfg.Agents.OrchestratorID,
		Transport:           tp,
		DB:                  gdb,
		FlightAgentID:       cfg.Agents.FlightID,
		PaymentAgentID:      cfg.Agents.PaymentID,
		StepTimeout:         cfg.Workflow.StepTimeout.Std(),
		Retention:           cfg.Workflow.Retention.Std(),
		MaxWorkflowAge:      cfg.Workflow.MaxWorkflowAge.Std(),
		UnknownActionPolicy: cfg.Agents.UnknownActionPolicy,
		Notifier:            notifier,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		out:       out,
		DB:        gdb,
		Transport: tp,
		Flight:    flightAgent,
		Payment:   paymentAgent,
		Engine:    engine,
	}, nil
}

// buildNotifier assembles the configured notification channels.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.Command != "" {
		multi = append(multi, notify.CommandNotifier{Command: cfg.Command})
	}
	if cfg.Slack.BotToken != "" && cfg.Slack.ChannelID != "" {
		multi = append(multi, notify.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.ChannelID))
	}
	if cfg.Discord.BotToken != "" && cfg.Discord.ChannelID != "" {
		d, err := notify.NewDiscordNotifier(cfg.Discord.BotToken, cfg.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		multi = append(multi, d)
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}

// Start launches agent loops, the orchestrator, the dashboard, and the
// maintenance schedule. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	for _, rt := range []*agent.Runtime{a.Flight, a.Payment} {
		rt := rt
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := rt.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("app: agent %s stopped: %v", rt.ID(), err)
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Engine.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("app: orchestrator stopped: %v", err)
		}
	}()

	if a.cfg.Dashboard.Enabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:     a.DB,
				Agents: a.Agents(),
				Engine: a.Engine,
				Port:   a.cfg.Dashboard.Port,
				Out:    a.out,
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("app: dashboard stopped: %v", err)
			}
		}()
	}

	c := cron.New()
	if _, err := c.AddFunc(a.cfg.Transport.SweepSchedule, func() {
		if err := a.Transport.Sweep(ctx); err != nil {
			log.Printf("app: queue sweep: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("app: schedule sweep %q: %w", a.cfg.Transport.SweepSchedule, err)
	}
	if _, err := c.AddFunc(a.cfg.Workflow.ReapSchedule, func() {
		a.Engine.Reap(time.Now())
	}); err != nil {
		return fmt.Errorf("app: schedule reap %q: %w", a.cfg.Workflow.ReapSchedule, err)
	}
	c.Start()
	a.cron = c

	if a.out != nil {
		fmt.Fprintf(a.out, "Concourse running: agents %s, %s, %s\n",
			a.Flight.ID(), a.Payment.ID(), a.Engine.Runtime().ID())
	}
	return nil
}

// Agents returns every agent runtime, orchestrator included.
func (a *App) Agents() []*agent.Runtime {
	return []*agent.Runtime{a.Flight, a.Payment, a.Engine.Runtime()}
}

// Stop cancels all loops in reverse start order and waits for them to exit.
func (a *App) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.Transport != nil {
		if err := a.Transport.Close(); err != nil {
			log.Printf("app: close transport: %v", err)
		}
	}
}
