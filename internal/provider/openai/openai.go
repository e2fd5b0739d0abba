package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/httputil"
	"github.com/felipepmaragno/photo-router/internal/provider"
)

const DefaultBaseURL = "https://api.openai.com/v1"

var defaultPrompts = map[domain.EditTask]string{
	domain.TaskSimpleEnhance:     "Enhance this photo: correct exposure and white balance, reduce noise, sharpen details. Keep the content unchanged.",
	domain.TaskCreativeEdit:      "Apply a tasteful creative edit to this photo while keeping the subject recognisable.",
	domain.TaskBackgroundRemoval: "Remove the background and keep only the main subject on a transparent background.",
}

type Config struct {
	ID      domain.ProviderID
	APIKey  string
	BaseURL string
	Model   string
	Tasks   []domain.EditTask
	// RequestsPerSecond paces outgoing calls; zero disables pacing.
	RequestsPerSecond float64
	// MaxWait is the longest a call waits for a pacing slot before failing
	// as rate limited.
	MaxWait time.Duration
	Client  *http.Client
}

type Provider struct {
	id      domain.ProviderID
	apiKey  string
	baseURL string
	model   string
	tasks   []domain.EditTask
	limiter *rate.Limiter
	maxWait time.Duration
	client  *http.Client
}

func New(cfg Config) *Provider {
	if cfg.ID == "" {
		cfg.ID = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-image-1"
	}
	if len(cfg.Tasks) == 0 {
		cfg.Tasks = domain.AllTasks
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 2 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = httputil.DefaultClient()
	}

	p := &Provider{
		id:      cfg.ID,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		tasks:   cfg.Tasks,
		maxWait: cfg.MaxWait,
		client:  cfg.Client,
	}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return p
}

func (p *Provider) ID() domain.ProviderID { return p.id }

func (p *Provider) Capabilities() []domain.EditTask { return p.tasks }

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Provider) Execute(ctx context.Context, req provider.Request) (*domain.Image, error) {
	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultPrompts[req.Task]
	}
	if prompt == "" {
		return nil, p.fail(domain.ProviderErrorPermanent, fmt.Errorf("%w: task %s requires a prompt", domain.ErrInvalidRequest, req.Task))
	}

	if err := p.pace(ctx); err != nil {
		return nil, err
	}

	body, contentType, err := p.encodeRequest(req, prompt)
	if err != nil {
		return nil, p.fail(domain.ProviderErrorPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/edits", body)
	if err != nil {
		return nil, p.fail(domain.ProviderErrorPermanent, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.fail(domain.ProviderErrorTransient, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var out imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, p.fail(domain.ProviderErrorTransient, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return nil, p.fail(domain.ProviderErrorTransient, errors.New("empty image in response"))
	}

	data, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return nil, p.fail(domain.ProviderErrorTransient, fmt.Errorf("decode image: %w", err))
	}

	img := &domain.Image{Data: data, ContentType: "image/png"}
	if req.TargetSize != nil {
		img.Width, img.Height = req.TargetSize.Width, req.TargetSize.Height
	}
	return img, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai unhealthy: status=%d", resp.StatusCode)
	}
	return nil
}

// pace waits for a pacing slot, failing fast as rate limited when the wait
// would exceed maxWait.
func (p *Provider) pace(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	r := p.limiter.Reserve()
	delay := r.Delay()
	if delay > p.maxWait {
		r.Cancel()
		return p.fail(domain.ProviderErrorRateLimited, fmt.Errorf("local pacing: next slot in %s", delay))
	}
	if delay == 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return p.fail(domain.ProviderErrorTransient, ctx.Err())
	}
}

func (p *Provider) encodeRequest(req provider.Request, prompt string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"model":   p.model,
		"prompt":  prompt,
		"quality": qualityLevel(req.Quality),
	}
	if req.TargetSize != nil && req.TargetSize.Width > 0 && req.TargetSize.Height > 0 {
		fields["size"] = fmt.Sprintf("%dx%d", req.TargetSize.Width, req.TargetSize.Height)
	}
	for _, k := range []string{"model", "prompt", "quality", "size"} {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	contentType := req.Image.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="input"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(req.Image.Data); err != nil {
		return nil, "", fmt.Errorf("write image: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func (p *Provider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}
	err := fmt.Errorf("openai error: status=%d message=%s", resp.StatusCode, msg)

	return p.fail(kindForStatus(resp.StatusCode), err)
}

func (p *Provider) fail(kind domain.ProviderErrorKind, err error) error {
	return domain.NewProviderError(p.id, kind, err)
}

func kindForStatus(status int) domain.ProviderErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ProviderErrorRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return domain.ProviderErrorTransient
	default:
		return domain.ProviderErrorPermanent
	}
}

func qualityLevel(q float64) string {
	switch {
	case q >= 0.8:
		return "high"
	case q >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

