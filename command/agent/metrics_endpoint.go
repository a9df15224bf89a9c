// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
)

// MetricsRequest dumps the in-memory telemetry sink. The payload is the
// go-metrics summary shape, not the nacos envelope.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	summary, err := s.agent.inmemSink.DisplayMetrics(resp, req)
	if err != nil {
		return nil, err
	}
	return summary, nil
}
