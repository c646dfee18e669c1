package inference

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"

	"github.com/mumuon/rasterrunner/internal/model"
)

// Factory dispatches to the hosted-endpoint or HTTP-endpoint Detector
// variant for a request, caching one Detector per endpoint name so
// retrying pools and clients are reused across tiles.
//
// Grounded on original_source/inference/endpoint_factory.py's
// build_detector dispatch on invoke_mode.
type Factory struct {
	SageMaker  *sagemakerruntime.Client
	HTTPClient *http.Client
	Logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]Detector
}

func NewFactory(sm *sagemakerruntime.Client, httpClient *http.Client, logger *slog.Logger) *Factory {
	return &Factory{SageMaker: sm, HTTPClient: httpClient, Logger: logger, cache: make(map[string]Detector)}
}

func (f *Factory) ForRequest(req model.ImageRequest) (Detector, error) {
	key := string(req.ModelInvokeMode) + ":" + req.ModelName

	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.cache[key]; ok {
		return d, nil
	}

	var d Detector
	switch req.ModelInvokeMode {
	case model.InvokeModeHosted:
		d = NewHostedEndpointDetector(f.SageMaker, req.ModelName)
	case model.InvokeModeHTTP:
		client := f.HTTPClient
		if client == nil {
			client = NewHTTPClient(0)
		}
		d = NewHTTPDetector(client, req.ModelName, f.Logger)
	default:
		return nil, fmt.Errorf("inference: unsupported model invoke mode %q", req.ModelInvokeMode)
	}

	f.cache[key] = d
	return d, nil
}
