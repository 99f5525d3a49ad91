package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/stolink/imageworker/internal/provider"
)

// InvokeModelAPI is the subset of the Bedrock runtime client used for image synthesis.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type canvasRequest struct {
	TaskType              string               `json:"taskType"`
	TextToImageParams     canvasTextParams     `json:"textToImageParams"`
	ImageGenerationConfig canvasGenerateConfig `json:"imageGenerationConfig"`
}

type canvasTextParams struct {
	Text         string `json:"text"`
	NegativeText string `json:"negativeText,omitempty"`
}

type canvasGenerateConfig struct {
	NumberOfImages int     `json:"numberOfImages"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	CfgScale       float64 `json:"cfgScale"`
	Seed           int     `json:"seed"`
}

type canvasResponse struct {
	Images []string `json:"images"`
	Error  string   `json:"error,omitempty"`
}

// CanvasCreator synthesizes images with a Nova Canvas text-to-image model.
type CanvasCreator struct {
	client  InvokeModelAPI
	modelID string
}

// NewCanvasCreator creates an image creator for the given model.
func NewCanvasCreator(client InvokeModelAPI, modelID string) *CanvasCreator {
	return &CanvasCreator{client: client, modelID: modelID}
}

// Create implements provider.ImageCreator.
func (c *CanvasCreator) Create(ctx context.Context, prompt string) (provider.Artifact, error) {
	body, err := json.Marshal(canvasRequest{
		TaskType:          "TEXT_IMAGE",
		TextToImageParams: canvasTextParams{Text: prompt},
		ImageGenerationConfig: canvasGenerateConfig{
			NumberOfImages: 1,
			Width:          1024,
			Height:         1024,
			CfgScale:       8.0,
		},
	})
	if err != nil {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageCreate, "encode request", err)
	}

	out, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return provider.Artifact{}, provider.ClassifyAWS(provider.CapabilityImageCreate, "invoke model", err)
	}

	var resp canvasResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageCreate, "decode response", err)
	}
	if resp.Error != "" {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageCreate, "invoke model", errors.New(resp.Error))
	}
	if len(resp.Images) == 0 {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageCreate, "invoke model", errors.New("response contains no image"))
	}

	data, err := base64.StdEncoding.DecodeString(resp.Images[0])
	if err != nil {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageCreate, "decode image", fmt.Errorf("base64: %w", err))
	}
	return provider.Artifact{Data: data, ContentType: "image/png"}, nil
}
