package icify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/icified/icebot/pkg/logger"
	"github.com/icified/icebot/pkg/utils"
)

// Prompt applied to every photo. The model adds the jewelry while the
// source image anchors composition and lighting.
const Prompt = "person with luxury diamond watch on wrist and diamond grillz teeth, " +
	"ice out, jewelry, bling, expensive, high quality, photorealistic, luxury lifestyle"

var ErrGenerationFailed = errors.New("image generation failed")

// Client drives the Replicate predictions API: create a prediction for
// the configured model, then poll until it settles.
type Client struct {
	httpClient *http.Client
	apiBase    string
	token      string
	model      string
	pollEvery  time.Duration
	waitBudget time.Duration
}

func NewClient(token, apiBase, model string, waitBudget time.Duration) *Client {
	if waitBudget <= 0 {
		waitBudget = time.Minute
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
		model:      model,
		pollEvery:  2 * time.Second,
		waitBudget: waitBudget,
	}
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Icify runs the full flow for one stored photo: encode, create the
// prediction, wait for the result, return the output image URL.
func (c *Client) Icify(ctx context.Context, imagePath string) (string, error) {
	mimeType, b64, err := utils.LoadAndEncodeImage(imagePath)
	if err != nil {
		return "", err
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, b64)

	// One generation never outlives its wait budget, whatever the
	// caller's deadline.
	ctx, cancel := context.WithTimeout(ctx, c.waitBudget)
	defer cancel()

	pred, err := c.createPrediction(ctx, dataURL)
	if err != nil {
		return "", err
	}
	return c.wait(ctx, pred)
}

func (c *Client) createPrediction(ctx context.Context, dataURL string) (prediction, error) {
	body := map[string]interface{}{
		"input": map[string]interface{}{
			"prompt":              Prompt,
			"image":               dataURL,
			"width":               768,
			"height":              768,
			"num_inference_steps": 4,
			"guidance_scale":      3.5,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return prediction{}, err
	}

	url := fmt.Sprintf("%s/models/%s/predictions", c.apiBase, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return prediction{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return prediction{}, fmt.Errorf("creating prediction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return prediction{}, fmt.Errorf("%w: create returned %d: %s",
			ErrGenerationFailed, resp.StatusCode, utils.Truncate(string(data), 200))
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return prediction{}, fmt.Errorf("decoding prediction: %w", err)
	}
	return pred, nil
}

func (c *Client) wait(ctx context.Context, pred prediction) (string, error) {
	for {
		switch pred.Status {
		case "succeeded":
			return firstOutputURL(pred.Output)
		case "failed", "canceled":
			return "", fmt.Errorf("%w: status %s: %s",
				ErrGenerationFailed, pred.Status, utils.Truncate(string(pred.Error), 200))
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrGenerationFailed, ctx.Err())
		case <-time.After(c.pollEvery):
		}

		refreshed, err := c.getPrediction(ctx, pred.URLs.Get)
		if err != nil {
			logger.WarnCF("icify", "Prediction poll failed", map[string]interface{}{
				"prediction": pred.ID,
				"error":      err.Error(),
			})
			continue
		}
		pred = refreshed
	}
}

func (c *Client) getPrediction(ctx context.Context, url string) (prediction, error) {
	if url == "" {
		return prediction{}, errors.New("prediction has no polling URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return prediction{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return prediction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return prediction{}, fmt.Errorf("poll returned %d", resp.StatusCode)
	}
	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return prediction{}, err
	}
	return pred, nil
}

// firstOutputURL handles the model returning either a bare URL string
// or an array of them.
func firstOutputURL(output json.RawMessage) (string, error) {
	var single string
	if err := json.Unmarshal(output, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(output, &many); err == nil && len(many) > 0 {
		return many[0], nil
	}
	return "", fmt.Errorf("%w: empty output", ErrGenerationFailed)
}
