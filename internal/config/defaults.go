package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/i5heu/samizdat/pkg/model"
)

func setNodeDefaults(v *viper.Viper) { // A
	prior := model.DefaultUsePrior()
	v.SetDefault("data_dir", "./samizdat-data")
	v.SetDefault("listen_addr", "0.0.0.0:4710")
	v.SetDefault("log_level", "info")
	v.SetDefault("objects.byte_budget", int64(10<<30))
	v.SetDefault("objects.max_object_size", int64(64<<20))
	v.SetDefault("objects.inline_limit", 64<<10)
	v.SetDefault("objects.vacuum_interval", 10*time.Minute)
	v.SetDefault("objects.use_prior.gamma_alpha", prior.GammaAlpha)
	v.SetDefault("objects.use_prior.gamma_beta", prior.GammaBeta)
	v.SetDefault("objects.use_prior.beta_alpha", prior.BetaAlpha)
	v.SetDefault("objects.use_prior.beta_beta", prior.BetaBeta)
	v.SetDefault("edition.clock_skew", 5*time.Minute)
	v.SetDefault("edition.query_timeout", 3*time.Second)
	v.SetDefault("edition.default_ttl", time.Hour)
	v.SetDefault("router.query_timeout", 3*time.Second)
	v.SetDefault("router.pull_timeout", 30*time.Second)
	v.SetDefault("router.replay_tolerance", 10*time.Minute)
	v.SetDefault("subscription.interval", 10*time.Minute)
	v.SetDefault("subscription.parallelism", 4)
}

func setHubDefaults(v *viper.Viper) { // A
	v.SetDefault("listen_addr", "0.0.0.0:4700")
	v.SetDefault("log_level", "info")
	v.SetDefault("broadcast_window", 3*time.Second)
	v.SetDefault("max_peers_per_query", 64)
	v.SetDefault("max_responses_per_query", 8)
	v.SetDefault("max_concurrent_queries", 8)
	v.SetDefault("query_interval", 50*time.Millisecond)
	v.SetDefault("query_burst", 32)
	v.SetDefault("replay_window", 10*time.Minute)
}

// ParseLevel maps a log level name to its slog level.
func ParseLevel(s string) (slog.Level, error) { // A
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

// Validate reports every invalid setting.
func (c NodeConfig) Validate() error { // A
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if err := validAddr(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Objects.ByteBudget < 0 || c.Objects.MaxObjectSize < 0 {
		errs = append(errs, errors.New("objects: byte_budget and max_object_size must not be negative"))
	}
	if c.Objects.ByteBudget > 0 && c.Objects.MaxObjectSize > c.Objects.ByteBudget {
		errs = append(errs, errors.New("objects: max_object_size exceeds byte_budget"))
	}
	if c.Objects.InlineLimit <= 0 {
		errs = append(errs, errors.New("objects: inline_limit must be positive"))
	}
	p := c.Objects.UsePrior
	if p.GammaAlpha <= 0 || p.GammaBeta <= 0 || p.BetaAlpha <= 0 || p.BetaBeta <= 0 {
		errs = append(errs, errors.New("objects: use_prior parameters must be positive"))
	}
	if c.Router.ReplayTolerance < 0 {
		errs = append(errs, errors.New("router: replay_tolerance must not be negative"))
	}
	if c.Edition.ClockSkew < 0 {
		errs = append(errs, errors.New("edition: clock_skew must not be negative"))
	}
	if c.Subscription.Parallelism <= 0 {
		errs = append(errs, errors.New("subscription: parallelism must be positive"))
	}
	for _, h := range c.Hubs {
		if err := validAddr(h.Addr); err != nil {
			errs = append(errs, fmt.Errorf("hub %q: %w", h.Addr, err))
		}
		if _, err := model.ParseResolutionMode(h.Mode); err != nil {
			errs = append(errs, fmt.Errorf("hub %q: %w", h.Addr, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c HubConfig) Validate() error { // A
	var errs []error
	if err := validAddr(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.BroadcastWindow <= 0 {
		errs = append(errs, errors.New("broadcast_window must be positive"))
	}
	if c.MaxPeersPerQuery <= 0 || c.MaxResponsesPerQuery <= 0 {
		errs = append(errs, errors.New("max_peers_per_query and max_responses_per_query must be positive"))
	}
	if c.MaxConcurrentQueries <= 0 || c.QueryBurst <= 0 || c.QueryInterval <= 0 {
		errs = append(errs, errors.New("throttle settings must be positive"))
	}
	if c.ReplayWindow <= 0 {
		errs = append(errs, errors.New("replay_window must be positive"))
	}
	for _, entry := range c.Blacklist {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			errs = append(errs, fmt.Errorf("blacklist entry %q is neither an address nor a prefix", entry))
		}
	}
	return errors.Join(errs...)
}

func validAddr(addr string) error { // A
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return errors.New("missing port")
	}
	return nil
}
