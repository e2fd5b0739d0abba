package domain

import (
	"fmt"
	"strings"
	"time"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, s)
}

// CostClass is the billing class of a single enhancement, independent of the
// account tier. Free never consumes credits.
type CostClass string

const (
	CostFree    CostClass = "free"
	CostBudget  CostClass = "budget"
	CostPremium CostClass = "premium"
)

func ParseCostClass(s string) (CostClass, error) {
	switch CostClass(strings.ToLower(s)) {
	case CostFree:
		return CostFree, nil
	case CostBudget:
		return CostBudget, nil
	case CostPremium:
		return CostPremium, nil
	}
	return "", fmt.Errorf("%w: unknown cost class %q", ErrInvalidRequest, s)
}

// Billed reports whether the class is charged against the ledger.
func (c CostClass) Billed() bool {
	return c == CostBudget || c == CostPremium
}

type EditTask string

const (
	TaskSimpleEnhance     EditTask = "simple_enhance"
	TaskCreativeEdit      EditTask = "creative_edit"
	TaskBackgroundRemoval EditTask = "background_removal"
	TaskCustomPrompt      EditTask = "custom_prompt"
)

var AllTasks = []EditTask{
	TaskSimpleEnhance,
	TaskCreativeEdit,
	TaskBackgroundRemoval,
	TaskCustomPrompt,
}

func ParseEditTask(s string) (EditTask, error) {
	for _, t := range AllTasks {
		if string(t) == strings.ToLower(s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown task %q", ErrInvalidRequest, s)
}

type ProviderID string

type Image struct {
	Data        []byte `json:"data"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultMaxImagePixels bounds decoded input frames and requested output
// sizes. 48 MP covers current phone sensors.
const DefaultMaxImagePixels = 48_000_000

// Within reports whether s has positive dimensions and at most maxPixels
// pixels. It does not overflow for huge dimensions.
func (s Size) Within(maxPixels int) bool {
	if s.Width <= 0 || s.Height <= 0 || maxPixels <= 0 {
		return false
	}
	return s.Width <= maxPixels/s.Height
}

type FrameScore struct {
	Sharpness   float64 `json:"sharpness"`
	Exposure    float64 `json:"exposure"`
	Composition float64 `json:"composition"`
	Overall     float64 `json:"overall"`
}

type UsageRecord struct {
	AccountID       string    `json:"account_id"`
	Tier            Tier      `json:"tier"`
	BudgetConsumed  uint      `json:"budget_consumed"`
	PremiumConsumed uint      `json:"premium_consumed"`
	PeriodStart     time.Time `json:"period_start"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Consumed returns the counter for a billed class; Free is always zero.
func (r UsageRecord) Consumed(class CostClass) uint {
	switch class {
	case CostBudget:
		return r.BudgetConsumed
	case CostPremium:
		return r.PremiumConsumed
	}
	return 0
}

type UsageSnapshot struct {
	Tier             Tier      `json:"tier"`
	BudgetRemaining  int       `json:"budget_remaining"`
	PremiumRemaining int       `json:"premium_remaining"`
	BudgetCapacity   int       `json:"budget_capacity"`
	PremiumCapacity  int       `json:"premium_capacity"`
	PeriodStart      time.Time `json:"period_start"`
	ResetsAt         time.Time `json:"resets_at"`
}

// RoutingDecision is an immutable routing plan for one request. The chain is
// copied on construction and on read so callers cannot mutate it in place.
type RoutingDecision struct {
	costClass         CostClass
	chain             []ProviderID
	willConsumeCredit bool
	estimatedQuality  float64
}

func NewRoutingDecision(class CostClass, chain []ProviderID, estimatedQuality float64) RoutingDecision {
	c := make([]ProviderID, len(chain))
	copy(c, chain)
	return RoutingDecision{
		costClass:         class,
		chain:             c,
		willConsumeCredit: class.Billed(),
		estimatedQuality:  estimatedQuality,
	}
}

func (d RoutingDecision) CostClass() CostClass      { return d.costClass }
func (d RoutingDecision) WillConsumeCredit() bool   { return d.willConsumeCredit }
func (d RoutingDecision) EstimatedQuality() float64 { return d.estimatedQuality }

func (d RoutingDecision) Chain() []ProviderID {
	c := make([]ProviderID, len(d.chain))
	copy(c, d.chain)
	return c
}

func (d RoutingDecision) Equal(o RoutingDecision) bool {
	if d.costClass != o.costClass || d.willConsumeCredit != o.willConsumeCredit ||
		d.estimatedQuality != o.estimatedQuality || len(d.chain) != len(o.chain) {
		return false
	}
	for i := range d.chain {
		if d.chain[i] != o.chain[i] {
			return false
		}
	}
	return true
}

func (d RoutingDecision) String() string {
	ids := make([]string, len(d.chain))
	for i, id := range d.chain {
		ids[i] = string(id)
	}
	return fmt.Sprintf("class=%s chain=[%s] charge=%t quality=%.2f",
		d.costClass, strings.Join(ids, ","), d.willConsumeCredit, d.estimatedQuality)
}

type ProviderResult struct {
	RequestID    string        `json:"request_id"`
	Image        Image         `json:"image"`
	ProviderUsed ProviderID    `json:"provider_used"`
	CostClass    CostClass     `json:"cost_class"`
	Charged      bool          `json:"charged"`
	Elapsed      time.Duration `json:"elapsed"`
	FrameIndex   int           `json:"frame_index"`
}

type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKey       string    `json:"api_key,omitempty"`
	APIKeyHash   string    `json:"-"`
	Tier         Tier      `json:"tier"`
	RateLimitRPM int       `json:"rate_limit_rpm"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
