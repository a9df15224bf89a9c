// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/hashicorp/beacon/beacon/structs"
)

// namespaceData is the console namespace shape.
type namespaceData struct {
	Namespace         string `json:"namespace"`
	NamespaceShowName string `json:"namespaceShowName"`
	NamespaceDesc     string `json:"namespaceDesc"`
}

func (s *HTTPServer) NamespaceRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut:
		id := req.FormValue("namespaceId")
		if id == "" {
			id = req.FormValue("customNamespaceId")
		}
		args := structs.NamespaceUpsertRequest{
			Namespace: &structs.Namespace{
				ID:          id,
				Name:        req.FormValue("namespaceName"),
				Description: req.FormValue("namespaceDesc"),
			},
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("IAM.NamespaceUpsert", &args, &out); err != nil {
			return nil, err
		}
		return true, nil

	case http.MethodDelete:
		args := structs.NamespaceDeleteRequest{
			ID:           req.FormValue("namespaceId"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("IAM.NamespaceDelete", &args, &out); err != nil {
			return nil, err
		}
		return true, nil

	case http.MethodGet:
		id := req.FormValue("namespaceId")
		namespaces, err := s.listNamespaces(req)
		if err != nil {
			return nil, err
		}
		for _, ns := range namespaces {
			if ns.Namespace == id {
				return ns, nil
			}
		}
		return nil, CodedError(404, "namespace not found: "+structs.ErrNotFound.Error())

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) NamespaceListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.listNamespaces(req)
}

func (s *HTTPServer) listNamespaces(req *http.Request) ([]*namespaceData, error) {
	args := structs.QueryOptions{AuthToken: s.token(req)}
	var out structs.NamespaceListResponse
	if err := s.agent.server.RPC("IAM.NamespaceList", &args, &out); err != nil {
		return nil, err
	}
	data := make([]*namespaceData, 0, len(out.Namespaces))
	for _, ns := range out.Namespaces {
		data = append(data, &namespaceData{
			Namespace:         ns.ID,
			NamespaceShowName: ns.Name,
			NamespaceDesc:     ns.Description,
		})
	}
	return data, nil
}
