package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"convscope/pkg/types"
)

// client is a thin wrapper over the daemon's HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) models() (types.ModelsResponse, error) {
	var out types.ModelsResponse
	err := c.get("/models", &out)
	return out, err
}

func (c *client) model(id string) (types.ModelDetail, error) {
	var out types.ModelDetail
	err := c.get("/models/"+id, &out)
	return out, err
}

func (c *client) job(id string) (types.Job, error) {
	var out types.Job
	err := c.get("/jobs/"+id, &out)
	return out, err
}

func (c *client) submit(imagePath, modelID string, settings types.JobSettings) (types.Job, error) {
	var job types.Job
	f, err := os.Open(imagePath)
	if err != nil {
		return job, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return job, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return job, err
	}
	fields := map[string]string{"model_id": modelID}
	if settings.TopKPreds > 0 {
		fields["top_k_preds"] = strconv.Itoa(settings.TopKPreds)
	}
	if settings.TopKCAM > 0 {
		fields["top_k_cam"] = strconv.Itoa(settings.TopKCAM)
	}
	if len(settings.CAMLayers) > 0 {
		fields["cam_layers"] = strings.Join(settings.CAMLayers, ",")
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return job, err
		}
	}
	if err := mw.Close(); err != nil {
		return job, err
	}

	resp, err := c.http.Post(c.base+"/jobs", mw.FormDataContentType(), &buf)
	if err != nil {
		return job, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return job, apiError(resp)
	}
	err = json.NewDecoder(resp.Body).Decode(&job)
	return job, err
}

func apiError(resp *http.Response) error {
	var payload types.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", payload.Error, resp.StatusCode)
	}
	return fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
