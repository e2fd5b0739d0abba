package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/provider"
)

const DefaultModel = "stability.sd3-5-large-v1:0"

// invoker is the subset of the bedrockruntime client the provider uses.
type invoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

var defaultPrompts = map[domain.EditTask]string{
	domain.TaskSimpleEnhance: "high quality photo, balanced exposure, natural colours, sharp details",
	domain.TaskCreativeEdit:  "artistic photo edit, vivid colours, cinematic lighting",
}

// strength per task: how far the output may drift from the input.
var strengths = map[domain.EditTask]float64{
	domain.TaskSimpleEnhance: 0.25,
	domain.TaskCreativeEdit:  0.6,
	domain.TaskCustomPrompt:  0.5,
}

type Provider struct {
	id     domain.ProviderID
	model  string
	tasks  []domain.EditTask
	client invoker
}

type Options struct {
	ID    domain.ProviderID
	Model string
	Tasks []domain.EditTask
}

func (o *Options) defaults() {
	if o.ID == "" {
		o.ID = "bedrock"
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if len(o.Tasks) == 0 {
		o.Tasks = []domain.EditTask{domain.TaskSimpleEnhance, domain.TaskCreativeEdit, domain.TaskCustomPrompt}
	}
}

func NewWithConfig(cfg aws.Config, opts Options) *Provider {
	return newWithClient(bedrockruntime.NewFromConfig(cfg), opts)
}

func newWithClient(client invoker, opts Options) *Provider {
	opts.defaults()
	return &Provider{
		id:     opts.ID,
		model:  opts.Model,
		tasks:  opts.Tasks,
		client: client,
	}
}

func (p *Provider) ID() domain.ProviderID { return p.id }

func (p *Provider) Capabilities() []domain.EditTask { return p.tasks }

type imageRequest struct {
	Prompt       string  `json:"prompt"`
	Mode         string  `json:"mode"`
	Image        string  `json:"image"`
	Strength     float64 `json:"strength"`
	OutputFormat string  `json:"output_format"`
}

type imageResponse struct {
	Images        []string  `json:"images"`
	FinishReasons []*string `json:"finish_reasons"`
}

func (p *Provider) Execute(ctx context.Context, req provider.Request) (*domain.Image, error) {
	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultPrompts[req.Task]
	}
	if prompt == "" {
		return nil, p.fail(domain.ProviderErrorPermanent, fmt.Errorf("%w: task %s requires a prompt", domain.ErrInvalidRequest, req.Task))
	}

	strength, ok := strengths[req.Task]
	if !ok {
		strength = 0.5
	}

	body, err := json.Marshal(imageRequest{
		Prompt:       prompt,
		Mode:         "image-to-image",
		Image:        base64.StdEncoding.EncodeToString(req.Image.Data),
		Strength:     strength,
		OutputFormat: "png",
	})
	if err != nil {
		return nil, p.fail(domain.ProviderErrorPermanent, fmt.Errorf("marshal request: %w", err))
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.fail(classify(err), fmt.Errorf("invoke model: %w", err))
	}

	var resp imageResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, p.fail(domain.ProviderErrorTransient, fmt.Errorf("unmarshal response: %w", err))
	}
	if len(resp.FinishReasons) > 0 && resp.FinishReasons[0] != nil {
		return nil, p.fail(domain.ProviderErrorPermanent, fmt.Errorf("generation stopped: %s", *resp.FinishReasons[0]))
	}
	if len(resp.Images) == 0 {
		return nil, p.fail(domain.ProviderErrorTransient, errors.New("empty image in response"))
	}

	data, err := base64.StdEncoding.DecodeString(resp.Images[0])
	if err != nil {
		return nil, p.fail(domain.ProviderErrorTransient, fmt.Errorf("decode image: %w", err))
	}
	return &domain.Image{Data: data, ContentType: "image/png"}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

func (p *Provider) fail(kind domain.ProviderErrorKind, err error) error {
	return domain.NewProviderError(p.id, kind, err)
}

func classify(err error) domain.ProviderErrorKind {
	var (
		throttled  *types.ThrottlingException
		quota      *types.ServiceQuotaExceededException
		validation *types.ValidationException
		denied     *types.AccessDeniedException
		notFound   *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &quota):
		return domain.ProviderErrorRateLimited
	case errors.As(err, &validation), errors.As(err, &denied), errors.As(err, &notFound):
		return domain.ProviderErrorPermanent
	default:
		return domain.ProviderErrorTransient
	}
}
