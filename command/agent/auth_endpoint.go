// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/hashicorp/beacon/beacon/structs"
)

// loginData is the token payload in the nacos login response shape.
type loginData struct {
	AccessToken string `json:"accessToken"`
	TokenTTL    int64  `json:"tokenTtl"`
	GlobalAdmin bool   `json:"globalAdmin"`
	Username    string `json:"username"`
}

// pageResult is the shared paged list shape.
type pageResult struct {
	TotalCount int         `json:"totalCount"`
	PageItems  interface{} `json:"pageItems"`
}

func (s *HTTPServer) LoginRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.LoginRequest{
		Username: req.FormValue("username"),
		Password: req.FormValue("password"),
	}
	var out structs.LoginResponse
	if err := s.agent.server.RPC("IAM.Login", &args, &out); err != nil {
		return nil, err
	}
	return &loginData{
		AccessToken: out.AccessToken,
		TokenTTL:    out.TokenTTL,
		GlobalAdmin: out.GlobalAdmin,
		Username:    args.Username,
	}, nil
}

func (s *HTTPServer) UserRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut:
		args := structs.UserUpsertRequest{
			Username:     req.FormValue("username"),
			Password:     req.FormValue("password"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("IAM.UserUpsert", &args, &out); err != nil {
			return nil, err
		}
		return "ok", nil

	case http.MethodDelete:
		args := structs.UserDeleteRequest{
			Username:     req.FormValue("username"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("IAM.UserDelete", &args, &out); err != nil {
			return nil, err
		}
		return "ok", nil

	case http.MethodGet:
		return s.UserSearchRequest(resp, req)

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) UserSearchRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	page, err := parsePage(req)
	if err != nil {
		return nil, err
	}
	args := structs.UserListRequest{
		Search:       req.FormValue("username"),
		PageRequest:  page,
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.UserListResponse
	if err := s.agent.server.RPC("IAM.UserList", &args, &out); err != nil {
		return nil, err
	}
	return &pageResult{TotalCount: out.Count, PageItems: out.Users}, nil
}

func (s *HTTPServer) RoleRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut:
		args := structs.RoleUpsertRequest{
			Role:         req.FormValue("role"),
			Username:     req.FormValue("username"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("IAM.RoleUpsert", &args, &out); err != nil {
			return nil, err
		}
		return "ok", nil

	case http.MethodDelete:
		args := structs.RoleDeleteRequest{
			Role:         req.FormValue("role"),
			Username:     req.FormValue("username"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("IAM.RoleDelete", &args, &out); err != nil {
			return nil, err
		}
		return "ok", nil

	case http.MethodGet:
		return s.RoleSearchRequest(resp, req)

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) RoleSearchRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	page, err := parsePage(req)
	if err != nil {
		return nil, err
	}
	args := structs.RoleListRequest{
		Username:     req.FormValue("username"),
		Search:       req.FormValue("role"),
		PageRequest:  page,
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.RoleListResponse
	if err := s.agent.server.RPC("IAM.RoleList", &args, &out); err != nil {
		return nil, err
	}
	return &pageResult{TotalCount: out.Count, PageItems: out.Bindings}, nil
}

func (s *HTTPServer) PermissionRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost:
		args := structs.PermissionUpsertRequest{
			Permission: structs.Permission{
				Role:     req.FormValue("role"),
				Resource: req.FormValue("resource"),
				Action:   req.FormValue("action"),
			},
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("IAM.PermissionUpsert", &args, &out); err != nil {
			return nil, err
		}
		return "ok", nil

	case http.MethodDelete:
		args := structs.PermissionDeleteRequest{
			Permission: structs.Permission{
				Role:     req.FormValue("role"),
				Resource: req.FormValue("resource"),
				Action:   req.FormValue("action"),
			},
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("IAM.PermissionDelete", &args, &out); err != nil {
			return nil, err
		}
		return "ok", nil

	case http.MethodGet:
		page, err := parsePage(req)
		if err != nil {
			return nil, err
		}
		args := structs.PermissionListRequest{
			Role:         req.FormValue("role"),
			PageRequest:  page,
			QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
		}
		var out structs.PermissionListResponse
		if err := s.agent.server.RPC("IAM.PermissionList", &args, &out); err != nil {
			return nil, err
		}
		return &pageResult{TotalCount: out.Count, PageItems: out.Permissions}, nil

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}
