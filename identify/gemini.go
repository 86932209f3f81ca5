package identify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"google.golang.org/genai"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.5-flash"

const prompt = `Analyze this image and identify the bird species.
Provide a JSON response with:
{
    "identified": true/false,
    "species_common": "Common name",
    "species_scientific": "Scientific name",
    "confidence": 0.0-1.0,
    "characteristics": ["list", "of", "visible", "features"],
    "behavior": "observed behavior if any",
    "conservation_status": "LC/NT/VU/EN/CR/EW/EX/DD/NE",
    "fun_fact": "interesting fact about this species"
}
If no bird is detected, set identified to false.`

// GeminiClassifier sends stills to the Gemini API.
type GeminiClassifier struct {
	client *genai.Client
	model  string
}

// NewGeminiClassifier creates a client for apiKey. An empty model selects
// DefaultModel.
func NewGeminiClassifier(ctx context.Context, apiKey, model string) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("identify: GEMINI_API_KEY is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("identify: create gemini client: %w", err)
	}
	return &GeminiClassifier{client: client, model: model}, nil
}

// Classify implements Classifier.
func (g *GeminiClassifier) Classify(ctx context.Context, image []byte) (Result, error) {
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(image, "image/jpeg"),
	}, genai.RoleUser)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{content}, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		MaxOutputTokens:  int32(500),
	})
	if err != nil {
		return Result{}, classifyAPIError(ctx, err)
	}
	return parseResult(resp.Text())
}

func classifyAPIError(ctx context.Context, err error) *ClassificationError {
	ce := &ClassificationError{Kind: KindTransport, Message: err.Error(), Err: err}

	var apiErr genai.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		ce.Kind = KindTimeout
	case errors.As(err, &apiErr):
		ce.Kind = kindForStatus(apiErr.Code)
		if apiErr.Message != "" {
			ce.Message = apiErr.Message
		}
	}
	return ce
}

func kindForStatus(code int) ErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindQuota
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindTransport
	}
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// parseResult pulls the first JSON object out of the model's reply. Models
// sometimes wrap it in a code fence even in JSON mode.
func parseResult(text string) (Result, error) {
	raw := jsonObject.FindString(text)
	if raw == "" {
		return Result{}, &ClassificationError{Kind: KindInvalidResponse, Message: "no JSON object in response"}
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, &ClassificationError{Kind: KindInvalidResponse, Message: err.Error(), Err: err}
	}
	if res.Identified && res.CommonName == "" && res.ScientificName == "" {
		return Result{}, &ClassificationError{Kind: KindInvalidResponse, Message: "identified without a species name"}
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return Result{}, &ClassificationError{
			Kind:    KindInvalidResponse,
			Message: fmt.Sprintf("confidence %.2f out of range", res.Confidence),
		}
	}
	return res, nil
}
