package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/photo-router/internal/config"
	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/ledger"
	"github.com/felipepmaragno/photo-router/internal/provider"
	"github.com/felipepmaragno/photo-router/internal/provider/providertest"
	"github.com/felipepmaragno/photo-router/internal/router"
	"github.com/felipepmaragno/photo-router/internal/scorer"
)

func ids(regs []provider.Registration) []domain.ProviderID {
	out := make([]domain.ProviderID, len(regs))
	for i, r := range regs {
		out[i] = r.ID()
	}
	return out
}

func TestBuildRegistrations(t *testing.T) {
	tests := []struct {
		name string
		deps providerDeps
		want []domain.ProviderID
	}{
		{"no credentials", providerDeps{}, []domain.ProviderID{"local"}},
		{"openai key", providerDeps{openAIKey: "sk-test"}, []domain.ProviderID{"local", "openai-mini", "openai"}},
		{"openai and aws", providerDeps{openAIKey: "sk-test", aws: &aws.Config{Region: "us-east-1"}}, []domain.ProviderID{"local", "openai-mini", "openai", "bedrock"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs, err := buildRegistrations(config.DefaultRouting(), tt.deps)
			if err != nil {
				t.Fatalf("buildRegistrations() error = %v", err)
			}
			got := ids(regs)
			if len(got) != len(tt.want) {
				t.Fatalf("providers = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("providers[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBuildRegistrations_Metadata(t *testing.T) {
	regs, err := buildRegistrations(config.DefaultRouting(), providerDeps{openAIKey: "sk-test"})
	if err != nil {
		t.Fatal(err)
	}

	byID := make(map[domain.ProviderID]provider.Registration)
	for _, r := range regs {
		byID[r.ID()] = r
	}

	if l := byID["local"]; !l.Local || l.CostClass != domain.CostFree {
		t.Errorf("local registration = %+v, want on-device free", l)
	}
	if p := byID["openai"]; p.Local || p.CostClass != domain.CostPremium || p.MaxPixels != 4096*4096 {
		t.Errorf("openai registration = %+v", p)
	}
}

func TestBuildRegistrations_Errors(t *testing.T) {
	r := config.DefaultRouting()
	r.Providers = append(r.Providers, config.ProviderConfig{ID: "mystery", Type: "carrier-pigeon", CostClass: domain.CostBudget})
	if _, err := buildRegistrations(r, providerDeps{}); err == nil {
		t.Error("unknown provider type should fail")
	}

	r = config.DefaultRouting()
	r.Providers = r.Providers[1:]
	if _, err := buildRegistrations(r, providerDeps{}); err == nil {
		t.Error("no registrable providers should fail")
	}
}

func TestRoutingTable_DropsUnregistered(t *testing.T) {
	table := routingTable(config.DefaultRouting(), map[domain.ProviderID]bool{"local": true, "openai-mini": true})

	simple, ok := table[domain.TaskSimpleEnhance]
	if !ok {
		t.Fatal("simple_enhance missing")
	}
	if len(simple.Providers) != 2 || simple.Providers[0] != "openai-mini" || simple.Providers[1] != "local" {
		t.Errorf("simple_enhance providers = %v, want [openai-mini local]", simple.Providers)
	}
	if !simple.OnDeviceFallback {
		t.Error("simple_enhance lost on-device fallback")
	}

	creative := table[domain.TaskCreativeEdit]
	if len(creative.Providers) != 1 || creative.Providers[0] != "openai-mini" {
		t.Errorf("creative_edit providers = %v, want [openai-mini]", creative.Providers)
	}
}

func TestRoutingTable_UnservableTaskFailsStartup(t *testing.T) {
	only := routingTable(config.DefaultRouting(), map[domain.ProviderID]bool{"local": true})
	creative, ok := only[domain.TaskCreativeEdit]
	if !ok {
		t.Fatal("creative_edit should stay in the table")
	}
	if len(creative.Providers) != 0 {
		t.Errorf("creative_edit providers = %v, want none", creative.Providers)
	}

	regs, err := buildRegistrations(config.DefaultRouting(), providerDeps{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = provider.NewRegistry(regs, only)
	if !errors.Is(err, domain.ErrNoProvidersAvailable) {
		t.Fatalf("NewRegistry(local only) error = %v, want ErrNoProvidersAvailable", err)
	}
	for _, task := range []domain.EditTask{domain.TaskCreativeEdit, domain.TaskBackgroundRemoval, domain.TaskCustomPrompt} {
		if !strings.Contains(err.Error(), string(task)) {
			t.Errorf("error = %v, want it to name %s", err, task)
		}
	}
}

func TestConversions(t *testing.T) {
	r := config.DefaultRouting()
	r.Capacities[domain.TierFree] = config.Capacity{Budget: 7, Premium: 2}
	r.ScoreWeights = config.ScoreWeights{Sharpness: 1, Exposure: 0, Composition: 0}
	r.ProviderTimeout = 12 * time.Second
	r.HighQualityThreshold = 0.6
	r.MaxImagePixels = 1_000_000

	if got := capacities(r)[domain.TierFree]; got != (ledger.Limits{Budget: 7, Premium: 2}) {
		t.Errorf("capacities(free) = %+v", got)
	}
	if got := weights(r); got != (scorer.Weights{Sharpness: 1}) {
		t.Errorf("weights() = %+v", got)
	}
	if got := settings(r); got != (router.Settings{ProviderTimeout: 12 * time.Second, HighQualityThreshold: 0.6, MaxImagePixels: 1_000_000}) {
		t.Errorf("settings() = %+v", got)
	}
}

func newLive(t *testing.T) *liveRouting {
	t.Helper()

	regs := []provider.Registration{providertest.Register(providertest.New("openai-mini"), domain.CostBudget, 0.7)}
	registered := registeredIDs(regs)
	reg, err := provider.NewRegistry(regs, routingTable(config.DefaultRouting(), registered))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	l := ledger.New(ledger.NewInMemoryStore(), capacities(config.DefaultRouting()))
	sc := scorer.New(scorer.DefaultWeights())
	return &liveRouting{
		registry:   reg,
		registered: registered,
		ledger:     l,
		scorer:     sc,
		engine:     router.New(reg, l, sc),
	}
}

func TestLiveRouting_Apply(t *testing.T) {
	live := newLive(t)

	next := config.DefaultRouting()
	next.Capacities[domain.TierPro] = config.Capacity{Budget: 1000, Premium: 10}
	next.HighQualityThreshold = 0.95
	next.ScoreWeights = config.ScoreWeights{Exposure: 1}

	if err := live.check(next); err != nil {
		t.Fatalf("check() error = %v", err)
	}
	live.apply(next)

	if got := live.ledger.Capacity(domain.TierPro, domain.CostBudget); got != 1000 {
		t.Errorf("pro budget capacity = %d, want 1000", got)
	}
	if got := live.engine.Settings().HighQualityThreshold; got != 0.95 {
		t.Errorf("HighQualityThreshold = %v, want 0.95", got)
	}
	if got := live.scorer.Weights(); got != (scorer.Weights{Exposure: 1}) {
		t.Errorf("weights = %+v", got)
	}
}

func TestLiveRouting_CheckRejectsUnservableTable(t *testing.T) {
	live := newLive(t)

	next := config.DefaultRouting()
	next.Tasks = map[domain.EditTask]config.TaskConfig{
		domain.TaskSimpleEnhance: {
			DefaultCostClass: domain.CostBudget,
			OnDeviceFallback: true,
			Providers:        []domain.ProviderID{"local"},
		},
	}

	if err := live.check(next); err == nil {
		t.Error("check() should reject a task with neither remote nor on-device providers")
	}

	// The active table is untouched.
	if route, ok := live.registry.Route(domain.TaskCreativeEdit); !ok || len(route.Providers) != 1 {
		t.Errorf("creative_edit route = %+v, %v", route, ok)
	}
}

func TestLedgerLocker(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { client.Close() })

	tests := []struct {
		name        string
		optIn       bool
		redis       *redis.Client
		sharedStore bool
		wantRedis   bool
	}{
		{"shared store with redis", true, client, true, true},
		{"opted out", false, client, true, false},
		{"no redis", true, nil, true, false},
		{"in-memory store", true, nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{UseDistributedLedgerLock: tt.optIn}
			lk := ledgerLocker(cfg, tt.redis, tt.sharedStore)
			_, isRedis := lk.(*ledger.RedisLocker)
			if isRedis != tt.wantRedis {
				t.Errorf("ledgerLocker() = %T, want redis lock %v", lk, tt.wantRedis)
			}
		})
	}
}
