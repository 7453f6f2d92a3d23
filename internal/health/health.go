package health

import (
	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

type HealthEndpoints struct {
	version  string
	driver   string
	strategy string
}

func NewEndpoints(version, driver, strategy string) *HealthEndpoints {
	return &HealthEndpoints{
		version:  version,
		driver:   driver,
		strategy: strategy,
	}
}

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Driver   string `json:"driver"`
	Strategy string `json:"strategy"`
}

func (h *HealthEndpoints) Health(ctx *fasthttp.RequestCtx) {
	response := HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Driver:   h.driver,
		Strategy: h.strategy,
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(responseJSON)
}
