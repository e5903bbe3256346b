package cmd

import (
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/replyguard/internal/arbiter"
	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/channels"
	"github.com/nextlevelbuilder/replyguard/internal/channels/discord"
	"github.com/nextlevelbuilder/replyguard/internal/channels/sms"
	"github.com/nextlevelbuilder/replyguard/internal/channels/telegram"
	"github.com/nextlevelbuilder/replyguard/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/replyguard/internal/config"
	"github.com/nextlevelbuilder/replyguard/internal/customer"
	"github.com/nextlevelbuilder/replyguard/internal/dispatch"
	"github.com/nextlevelbuilder/replyguard/internal/generator"
	"github.com/nextlevelbuilder/replyguard/internal/notify"
	"github.com/nextlevelbuilder/replyguard/internal/store"
	"github.com/nextlevelbuilder/replyguard/internal/store/pg"
	"github.com/nextlevelbuilder/replyguard/internal/store/sqlite"
)

// app holds the components shared by serve and the one-shot commands.
type app struct {
	cfg       *config.Config
	stores    *store.Stores
	bus       *bus.MessageBus
	channels  *channels.Manager
	notifier  *notify.Fanout
	customers *customer.Provider
	engine    *arbiter.Engine
}

func newApp(cfg *config.Config) (*app, error) {
	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	msgBus := bus.New()
	mgr := channels.NewManager()
	registerChannels(cfg, mgr, msgBus)

	disp := dispatch.New(mgr, dispatch.Config{
		CustomerChannel:  cfg.Delivery.CustomerChannel,
		OperatorChannel:  cfg.Notifications.Channel,
		FallbackChannel:  cfg.Notifications.FallbackChannel,
		FallbackAddress:  cfg.Notifications.FallbackAddress,
		SecondaryTargets: cfg.Delivery.SecondaryTargets,
		ChannelRPS:       cfg.Delivery.ChannelRPS,
		ChannelBurst:     cfg.Delivery.ChannelBurst,
		Recorder:         stores.Deliveries,
	})
	fanout := notify.NewFanout(disp, notify.Config{
		Targets:      []string(cfg.Notifications.Targets),
		ExcerptWidth: cfg.Notifications.ExcerptWidth,
		Bus:          msgBus,
	})
	customers := customer.NewProvider(stores.Contacts, cfg.ControlPhrases(), nil)

	gen := generator.NewOpenAIGenerator(generator.OpenAIConfig{
		Name:         cfg.Generator.Name,
		APIKey:       cfg.Generator.APIKey,
		APIBase:      cfg.Generator.APIBase,
		Model:        cfg.Generator.Model,
		SystemPrompt: cfg.Generator.SystemPrompt,
		MaxTokens:    cfg.Generator.MaxTokens,
		Temperature:  cfg.Generator.Temperature,
	})

	t := cfg.Timings()
	engine := arbiter.NewEngine(arbiter.Config{
		Messages:          stores.Messages,
		Pending:           stores.Pending,
		Customers:         customers,
		Generator:         gen,
		Deliverer:         disp,
		Notifier:          fanout,
		Deferment:         t.Deferment,
		HumanWindow:       t.HumanWindow,
		GenerationTimeout: t.GenerationTimeout,
		DeliveryTimeout:   t.DeliveryTimeout,
		ClaimTTL:          t.ClaimTTL,
	})

	return &app{
		cfg:       cfg,
		stores:    stores,
		bus:       msgBus,
		channels:  mgr,
		notifier:  fanout,
		customers: customers,
		engine:    engine,
	}, nil
}

func (a *app) close() {
	if err := a.stores.Close(); err != nil {
		slog.Warn("close stores", "error", err)
	}
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.StoreConfig{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  config.ExpandHome(cfg.Database.SQLitePath),
	}
	if cfg.IsManagedMode() {
		if err := checkSchemaOrAutoUpgrade(cfg.Database.PostgresDSN); err != nil {
			return nil, err
		}
		stores, err := pg.NewPGStores(sc)
		if err != nil {
			return nil, fmt.Errorf("open managed stores: %w", err)
		}
		slog.Info("stores ready", "mode", "managed")
		return stores, nil
	}

	stores, err := sqlite.NewSQLiteStores(sc)
	if err != nil {
		return nil, fmt.Errorf("open standalone stores: %w", err)
	}
	slog.Info("stores ready", "mode", "standalone", "path", sc.SQLitePath)
	return stores, nil
}

// registerChannels wires every enabled transport. A channel that fails to
// initialize is logged and skipped; delivery to it then fails per attempt.
func registerChannels(cfg *config.Config, mgr *channels.Manager, msgBus *bus.MessageBus) {
	register := func(name string, ch channels.Channel, err error) {
		if err != nil {
			slog.Error("failed to initialize channel", "channel", name, "error", err)
			return
		}
		mgr.RegisterChannel(ch.Name(), ch)
		slog.Info("channel enabled", "channel", ch.Name())
	}

	if cfg.Channels.SMS.Enabled {
		ch, err := sms.New(cfg.Channels.SMS)
		register("sms", ch, err)
	}
	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		register("whatsapp", ch, err)
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		ch, err := telegram.New(cfg.Channels.Telegram)
		register("telegram", ch, err)
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		ch, err := discord.New(cfg.Channels.Discord)
		register("discord", ch, err)
	}
}
