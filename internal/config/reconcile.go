package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReconcileConfig is the hot-reloadable part of the configuration (reconcile.yml).
type ReconcileConfig struct {
	Webhook WebhookTuning `mapstructure:"webhook"`
	Router  RouterTuning  `mapstructure:"router"`
	Expiry  ExpiryTuning  `mapstructure:"expiry"`
	Ledger  LedgerTuning  `mapstructure:"ledger"`
	Plans   []PlanEntry   `mapstructure:"plans"`
}

type WebhookTuning struct {
	Backoff     []time.Duration `mapstructure:"backoff"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	MaxRetries  int             `mapstructure:"maxRetries"`
	LeaseTTL    time.Duration   `mapstructure:"leaseTTL"`
	SweepBatch  int             `mapstructure:"sweepBatch"`
	MaxBodySize int             `mapstructure:"maxBodySize"`
}

type RouterTuning struct {
	BatchSize    int           `mapstructure:"batchSize"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
}

type ExpiryTuning struct {
	GraceWindow time.Duration `mapstructure:"graceWindow"`
	BatchSize   int           `mapstructure:"batchSize"`
}

type LedgerTuning struct {
	StaleAfter  time.Duration `mapstructure:"staleAfter"`
	MaxRequeues int           `mapstructure:"maxRequeues"`
	CacheTTL    time.Duration `mapstructure:"cacheTTL"`
}

// PlanEntry maps provider product ids onto an internal plan.
type PlanEntry struct {
	Ref             string   `mapstructure:"ref"`
	ProductRefs     []string `mapstructure:"productRefs"`
	DurationDays    int      `mapstructure:"durationDays"`
	MultiLoginCount int      `mapstructure:"multiLoginCount"`
	PriceAmount     int64    `mapstructure:"priceAmount"`
	PriceCurrency   string   `mapstructure:"priceCurrency"`
	Default         bool     `mapstructure:"default"`
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Webhook: WebhookTuning{
			Backoff:     []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute},
			Timeout:     15 * time.Second,
			MaxRetries:  3,
			LeaseTTL:    time.Minute,
			SweepBatch:  100,
			MaxBodySize: 4096,
		},
		Router: RouterTuning{
			BatchSize:    100,
			PollInterval: 2 * time.Second,
			MaxAttempts:  10,
		},
		Expiry: ExpiryTuning{
			GraceWindow: 72 * time.Hour,
			BatchSize:   200,
		},
		Ledger: LedgerTuning{
			StaleAfter:  10 * time.Minute,
			MaxRequeues: 5,
			CacheTTL:    10 * time.Minute,
		},
		Plans: []PlanEntry{
			{Ref: "monthly", DurationDays: 30, MultiLoginCount: 5, Default: true},
			{Ref: "yearly", DurationDays: 365, MultiLoginCount: 10},
		},
	}
}

type ReconcileConfigHolder struct {
	current atomic.Value // holds ReconcileConfig
}

// NewStaticReconcileConfigHolder wraps a fixed config without file watching.
func NewStaticReconcileConfigHolder(cfg ReconcileConfig) *ReconcileConfigHolder {
	holder := &ReconcileConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewReconcileConfigHolder(log *zap.Logger) (*ReconcileConfigHolder, error) {
	log = log.Named("config.reconcile")
	v := viper.New()

	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/subsync/config")
	v.AddConfigPath("/etc/subsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SUBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setReconcileDefaults(v, DefaultReconcileConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := decodeReconcileConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticReconcileConfigHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeReconcileConfig(v)
		if err != nil {
			log.Warn("reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func setReconcileDefaults(v *viper.Viper, d ReconcileConfig) {
	backoff := make([]string, 0, len(d.Webhook.Backoff))
	for _, delay := range d.Webhook.Backoff {
		backoff = append(backoff, delay.String())
	}
	v.SetDefault("reconcile.webhook.backoff", backoff)
	v.SetDefault("reconcile.webhook.timeout", d.Webhook.Timeout.String())
	v.SetDefault("reconcile.webhook.maxRetries", d.Webhook.MaxRetries)
	v.SetDefault("reconcile.webhook.leaseTTL", d.Webhook.LeaseTTL.String())
	v.SetDefault("reconcile.webhook.sweepBatch", d.Webhook.SweepBatch)
	v.SetDefault("reconcile.webhook.maxBodySize", d.Webhook.MaxBodySize)

	v.SetDefault("reconcile.router.batchSize", d.Router.BatchSize)
	v.SetDefault("reconcile.router.pollInterval", d.Router.PollInterval.String())
	v.SetDefault("reconcile.router.maxAttempts", d.Router.MaxAttempts)

	v.SetDefault("reconcile.expiry.graceWindow", d.Expiry.GraceWindow.String())
	v.SetDefault("reconcile.expiry.batchSize", d.Expiry.BatchSize)

	v.SetDefault("reconcile.ledger.staleAfter", d.Ledger.StaleAfter.String())
	v.SetDefault("reconcile.ledger.maxRequeues", d.Ledger.MaxRequeues)
	v.SetDefault("reconcile.ledger.cacheTTL", d.Ledger.CacheTTL.String())

	plans := make([]map[string]any, 0, len(d.Plans))
	for _, plan := range d.Plans {
		plans = append(plans, map[string]any{
			"ref":             plan.Ref,
			"durationDays":    plan.DurationDays,
			"multiLoginCount": plan.MultiLoginCount,
			"default":         plan.Default,
		})
	}
	v.SetDefault("reconcile.plans", plans)
}

func (h *ReconcileConfigHolder) Get() ReconcileConfig {
	return h.current.Load().(ReconcileConfig)
}

// decodeReconcileConfig unmarshals the whole tree so registered defaults fill
// every key the file leaves out.
func decodeReconcileConfig(v *viper.Viper) (ReconcileConfig, error) {
	var root struct {
		Reconcile ReconcileConfig `mapstructure:"reconcile"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return ReconcileConfig{}, err
	}
	if err := validateReconcileConfig(root.Reconcile); err != nil {
		return ReconcileConfig{}, err
	}
	return root.Reconcile, nil
}

func validateReconcileConfig(cfg ReconcileConfig) error {
	if len(cfg.Webhook.Backoff) == 0 {
		return errors.New("reconcile.webhook.backoff cannot be empty")
	}
	for i := 1; i < len(cfg.Webhook.Backoff); i++ {
		if cfg.Webhook.Backoff[i] < cfg.Webhook.Backoff[i-1] {
			return errors.New("reconcile.webhook.backoff must be ascending")
		}
	}
	if cfg.Webhook.Timeout <= 0 {
		return errors.New("reconcile.webhook.timeout must be positive")
	}
	if cfg.Webhook.MaxRetries <= 0 {
		return errors.New("reconcile.webhook.maxRetries must be positive")
	}
	if cfg.Webhook.LeaseTTL <= cfg.Webhook.Timeout {
		return errors.New("reconcile.webhook.leaseTTL must exceed reconcile.webhook.timeout")
	}
	seen := map[string]struct{}{}
	for _, plan := range cfg.Plans {
		ref := strings.TrimSpace(plan.Ref)
		if ref == "" {
			return errors.New("reconcile.plans[].ref cannot be empty")
		}
		if plan.DurationDays <= 0 {
			return fmt.Errorf("reconcile.plans[%s].durationDays must be positive", ref)
		}
		if _, ok := seen[ref]; ok {
			return fmt.Errorf("reconcile.plans[%s] declared twice", ref)
		}
		seen[ref] = struct{}{}
	}
	return nil
}
