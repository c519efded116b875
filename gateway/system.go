package gateway

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"

	"subscription-proxy/domain"
)

type parameters struct {
	ResourceType string `json:"resourceType"`
	Parameter    []struct {
		Name     string          `json:"name"`
		Resource json.RawMessage `json:"resource"`
	} `json:"parameter"`
}

// SystemOperation runs an operation that is not bound to a resource type.
// Only $convert is served: it echoes the "input" resource back.
func (g *Gateway) SystemOperation(ctx context.Context, name string, params json.RawMessage) (out *domain.Record, err error) {
	_, span := startSpan(ctx, "system-operation", "", "local")
	defer func() { endSpan(span, err) }()

	if name != "convert" {
		return nil, domain.Errorf(domain.KindUnsupported, "operation $%s is not supported", name)
	}
	var p parameters
	if len(params) > 0 {
		if err = sonic.Unmarshal(params, &p); err != nil {
			return nil, domain.Wrap(domain.KindValidation, err, "operation parameters are not valid JSON")
		}
	}
	for _, prm := range p.Parameter {
		if prm.Name == "input" && len(prm.Resource) > 0 {
			return domain.ParseRecord("", prm.Resource)
		}
	}
	return &domain.Record{Type: "OperationOutcome", Content: domain.NewOutcome()}, nil
}
