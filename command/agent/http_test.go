// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/helper/testlog"
)

func makeHTTPServer(t testing.TB, cb func(*Config)) *HTTPServer {
	t.Helper()
	config := DefaultConfig()
	config.HTTPAddr = "127.0.0.1:0"
	config.RPCAddr = "127.0.0.1:0"
	if cb != nil {
		cb(config)
	}
	agent, err := NewAgent(config, testlog.HCLogger(t), io.Discard)
	must.NoError(t, err)
	t.Cleanup(func() {
		must.NoError(t, agent.Shutdown())
	})
	return agent.httpServer
}

// formReq carries the parameters in the query string, which FormValue
// reads for every method.
func formReq(method, path string, vals url.Values) *http.Request {
	return httptest.NewRequest(method, path+"?"+vals.Encode(), nil)
}

type testEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do runs a wrapped handler and decodes the envelope.
func do(t *testing.T, s *HTTPServer, handler func(http.ResponseWriter, *http.Request) (interface{}, error), req *http.Request) (int, testEnvelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.wrap(handler)(rec, req)
	var env testEnvelope
	must.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func TestHTTP_ConfigLifecycle(t *testing.T) {
	s := makeHTTPServer(t, nil)

	status, env := do(t, s, s.ConfigRequest, formReq("POST", "/nacos/v2/cs/config", url.Values{
		"dataId":  {"db.properties"},
		"content": {"host=a"},
	}))
	must.Eq(t, 200, status)
	must.Eq(t, structs.CodeOK, env.Code)
	must.Eq(t, "success", env.Message)

	status, env = do(t, s, s.ConfigRequest, formReq("GET", "/nacos/v2/cs/config", url.Values{
		"dataId": {"db.properties"},
	}))
	must.Eq(t, 200, status)
	var data struct {
		Content string `json:"content"`
		MD5     string `json:"md5"`
		Tenant  string `json:"tenant"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &data))
	must.Eq(t, "host=a", data.Content)
	must.Eq(t, structs.ContentMD5("host=a"), data.MD5)
	must.Eq(t, structs.DefaultNamespace, data.Tenant)

	status, _ = do(t, s, s.ConfigRequest, formReq("DELETE", "/nacos/v2/cs/config", url.Values{
		"dataId": {"db.properties"},
	}))
	must.Eq(t, 200, status)

	status, env = do(t, s, s.ConfigRequest, formReq("GET", "/nacos/v2/cs/config", url.Values{
		"dataId": {"db.properties"},
	}))
	must.Eq(t, 404, status)
	must.Eq(t, structs.CodeNotFound, env.Code)
}

func TestHTTP_ConfigListener(t *testing.T) {
	s := makeHTTPServer(t, nil)

	_, env := do(t, s, s.ConfigRequest, formReq("POST", "/nacos/v2/cs/config", url.Values{
		"dataId":  {"watched"},
		"content": {"v1"},
	}))
	must.Eq(t, structs.CodeOK, env.Code)

	// Stale probe answers immediately with the changed key.
	probe := "watched" + wordSeparator + "DEFAULT_GROUP" + wordSeparator + "stale" + lineSeparator
	rec := httptest.NewRecorder()
	s.wrap(s.ConfigListenerRequest)(rec, formReq("POST", "/nacos/v1/cs/configs/listener", url.Values{
		"Listening-Configs": {probe},
	}))
	must.Eq(t, 200, rec.Code)
	body, err := url.QueryUnescape(rec.Body.String())
	must.NoError(t, err)
	must.StrContains(t, body, "watched")

	// Current probe with no timeout answers with an empty body.
	probe = "watched" + wordSeparator + "DEFAULT_GROUP" + wordSeparator + structs.ContentMD5("v1") + lineSeparator
	rec = httptest.NewRecorder()
	s.wrap(s.ConfigListenerRequest)(rec, formReq("POST", "/nacos/v1/cs/configs/listener", url.Values{
		"Listening-Configs": {probe},
	}))
	must.Eq(t, 200, rec.Code)
	must.Eq(t, "", rec.Body.String())
}

func TestHTTP_ConfigExportImport(t *testing.T) {
	s := makeHTTPServer(t, nil)

	_, env := do(t, s, s.ConfigRequest, formReq("POST", "/nacos/v2/cs/config", url.Values{
		"dataId":  {"one"},
		"content": {"content-one"},
		"type":    {"properties"},
		"appName": {"billing"},
	}))
	must.Eq(t, structs.CodeOK, env.Code)
	_, env = do(t, s, s.ConfigRequest, formReq("POST", "/nacos/v2/cs/config", url.Values{
		"dataId":  {"two"},
		"content": {"content-two"},
	}))
	must.Eq(t, structs.CodeOK, env.Code)

	rec := httptest.NewRecorder()
	s.ConfigExportRequest(rec, formReq("GET", "/nacos/v2/cs/config/export", url.Values{}))
	must.Eq(t, 200, rec.Code)
	must.Eq(t, "application/zip", rec.Header().Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	must.NoError(t, err)
	must.Len(t, 3, zr.File)
	must.Eq(t, "DEFAULT_GROUP/one", zr.File[0].Name)

	// The manifest entry carries each config's metadata.
	must.Eq(t, exportManifestName, zr.File[2].Name)
	mf, err := zr.File[2].Open()
	must.NoError(t, err)
	var manifest []exportManifestItem
	must.NoError(t, json.NewDecoder(mf).Decode(&manifest))
	must.NoError(t, mf.Close())
	must.Len(t, 2, manifest)
	must.Eq(t, exportManifestItem{
		Group: "DEFAULT_GROUP", DataID: "one", Type: "properties", AppName: "billing",
	}, manifest[0])

	importZip := func(policy string) testEnvelope {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "export.zip")
		must.NoError(t, err)
		_, err = fw.Write(rec.Body.Bytes())
		must.NoError(t, err)
		must.NoError(t, mw.WriteField("policy", policy))
		must.NoError(t, mw.Close())

		req := httptest.NewRequest("POST", "/nacos/v2/cs/config/import", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		irec := httptest.NewRecorder()
		s.wrap(s.ConfigImportRequest)(irec, req)
		must.Eq(t, 200, irec.Code)

		var env testEnvelope
		must.NoError(t, json.Unmarshal(irec.Body.Bytes(), &env))
		return env
	}

	// Re-import under SKIP: everything already exists; the manifest is not
	// counted as an entry.
	env = importZip("SKIP")
	var report struct {
		SuccCount int `json:"succCount"`
		SkipCount int `json:"skipCount"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &report))
	must.Eq(t, 0, report.SuccCount)
	must.Eq(t, 2, report.SkipCount)

	// Drop a config and restore it from the archive: type and app survive
	// the round trip.
	_, env = do(t, s, s.ConfigRequest, formReq("DELETE", "/nacos/v2/cs/config", url.Values{
		"dataId": {"one"},
	}))
	must.Eq(t, structs.CodeOK, env.Code)

	env = importZip("OVERWRITE")
	must.NoError(t, json.Unmarshal(env.Data, &report))
	must.Eq(t, 2, report.SuccCount)

	_, env = do(t, s, s.ConfigRequest, formReq("GET", "/nacos/v2/cs/config", url.Values{
		"dataId": {"one"},
	}))
	must.Eq(t, structs.CodeOK, env.Code)
	var got struct {
		Content string `json:"content"`
		Type    string `json:"type"`
		AppName string `json:"appName"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &got))
	must.Eq(t, "content-one", got.Content)
	must.Eq(t, "properties", got.Type)
	must.Eq(t, "billing", got.AppName)
}

func TestHTTP_NamespaceCRUD(t *testing.T) {
	s := makeHTTPServer(t, nil)

	status, env := do(t, s, s.NamespaceRequest, formReq("POST", "/nacos/v2/console/namespace", url.Values{
		"namespaceId":   {"staging"},
		"namespaceName": {"Staging"},
		"namespaceDesc": {"pre-prod"},
	}))
	must.Eq(t, 200, status)
	must.Eq(t, structs.CodeOK, env.Code)

	_, env = do(t, s, s.NamespaceListRequest, formReq("GET", "/nacos/v2/console/namespace/list", url.Values{}))
	var list []struct {
		Namespace         string `json:"namespace"`
		NamespaceShowName string `json:"namespaceShowName"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &list))
	must.Len(t, 2, list)

	_, env = do(t, s, s.NamespaceRequest, formReq("GET", "/nacos/v2/console/namespace", url.Values{
		"namespaceId": {"staging"},
	}))
	var one struct {
		NamespaceShowName string `json:"namespaceShowName"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &one))
	must.Eq(t, "Staging", one.NamespaceShowName)

	status, _ = do(t, s, s.NamespaceRequest, formReq("DELETE", "/nacos/v2/console/namespace", url.Values{
		"namespaceId": {"staging"},
	}))
	must.Eq(t, 200, status)

	status, _ = do(t, s, s.NamespaceRequest, formReq("GET", "/nacos/v2/console/namespace", url.Values{
		"namespaceId": {"staging"},
	}))
	must.Eq(t, 404, status)
}

func TestHTTP_InstanceLifecycle(t *testing.T) {
	s := makeHTTPServer(t, nil)

	status, env := do(t, s, s.InstanceRequest, formReq("POST", "/nacos/v2/ns/instance", url.Values{
		"serviceName": {"web"},
		"ip":          {"10.0.0.9"},
		"port":        {"8080"},
		"weight":      {"2.5"},
	}))
	must.Eq(t, 200, status)
	must.Eq(t, structs.CodeOK, env.Code)

	_, env = do(t, s, s.InstanceListRequest, formReq("GET", "/nacos/v2/ns/instance/list", url.Values{
		"serviceName": {"web"},
	}))
	var info struct {
		Name  string `json:"name"`
		Hosts []struct {
			IP      string  `json:"ip"`
			Port    int     `json:"port"`
			Weight  float64 `json:"weight"`
			Healthy bool    `json:"healthy"`
		} `json:"hosts"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &info))
	must.Eq(t, "web", info.Name)
	must.Len(t, 1, info.Hosts)
	must.Eq(t, 2.5, info.Hosts[0].Weight)

	status, _ = do(t, s, s.HealthInstanceRequest, formReq("PUT", "/nacos/v2/ns/health/instance", url.Values{
		"serviceName": {"web"},
		"ip":          {"10.0.0.9"},
		"port":        {"8080"},
		"healthy":     {"false"},
	}))
	must.Eq(t, 200, status)

	_, env = do(t, s, s.InstanceListRequest, formReq("GET", "/nacos/v2/ns/instance/list", url.Values{
		"serviceName": {"web"},
		"healthyOnly": {"true"},
	}))
	must.NoError(t, json.Unmarshal(env.Data, &info))
	must.Len(t, 0, info.Hosts)

	status, _ = do(t, s, s.InstanceRequest, formReq("DELETE", "/nacos/v2/ns/instance", url.Values{
		"serviceName": {"web"},
		"ip":          {"10.0.0.9"},
		"port":        {"8080"},
	}))
	must.Eq(t, 200, status)
}

func TestHTTP_AuthFlow(t *testing.T) {
	s := makeHTTPServer(t, func(c *Config) {
		c.AuthEnabled = true
		c.TokenSecret = "0123456789abcdef0123456789abcdef"
	})

	// Unauthenticated mutation is rejected.
	status, env := do(t, s, s.ConfigRequest, formReq("POST", "/nacos/v2/cs/config", url.Values{
		"dataId":  {"secured"},
		"content": {"v"},
	}))
	must.Eq(t, 401, status)
	must.Eq(t, structs.CodeUnauthenticated, env.Code)

	// Bad credentials are rejected.
	status, _ = do(t, s, s.LoginRequest, formReq("POST", "/nacos/v1/auth/login", url.Values{
		"username": {structs.RootUser},
		"password": {"wrong"},
	}))
	must.Eq(t, 401, status)

	status, env = do(t, s, s.LoginRequest, formReq("POST", "/nacos/v1/auth/login", url.Values{
		"username": {structs.RootUser},
		"password": {structs.RootUser},
	}))
	must.Eq(t, 200, status)
	var token struct {
		AccessToken string `json:"accessToken"`
		GlobalAdmin bool   `json:"globalAdmin"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &token))
	must.True(t, token.GlobalAdmin)
	must.NotEq(t, "", token.AccessToken)

	// accessToken as a query parameter.
	status, _ = do(t, s, s.ConfigRequest, formReq("POST", "/nacos/v2/cs/config", url.Values{
		"dataId":      {"secured"},
		"content":     {"v"},
		"accessToken": {token.AccessToken},
	}))
	must.Eq(t, 200, status)

	// Authorization header with Bearer prefix.
	req := formReq("GET", "/nacos/v2/cs/config", url.Values{"dataId": {"secured"}})
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	status, _ = do(t, s, s.ConfigRequest, req)
	must.Eq(t, 200, status)
}

func TestHTTP_UserAndRoleEndpoints(t *testing.T) {
	s := makeHTTPServer(t, nil)

	status, _ := do(t, s, s.UserRequest, formReq("POST", "/nacos/v3/auth/user", url.Values{
		"username": {"dev"},
		"password": {"devpass"},
	}))
	must.Eq(t, 200, status)

	_, env := do(t, s, s.UserSearchRequest, formReq("GET", "/nacos/v3/auth/user/search", url.Values{}))
	var page struct {
		TotalCount int      `json:"totalCount"`
		PageItems  []string `json:"pageItems"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &page))
	must.Eq(t, 1, page.TotalCount)
	must.Eq(t, []string{"dev"}, page.PageItems)

	status, _ = do(t, s, s.RoleRequest, formReq("POST", "/nacos/v3/auth/role", url.Values{
		"role":     {"READER"},
		"username": {"dev"},
	}))
	must.Eq(t, 200, status)

	status, _ = do(t, s, s.PermissionRequest, formReq("POST", "/nacos/v3/auth/permission", url.Values{
		"role":     {"READER"},
		"resource": {"public:*:*"},
		"action":   {"r"},
	}))
	must.Eq(t, 200, status)

	_, env = do(t, s, s.PermissionRequest, formReq("GET", "/nacos/v3/auth/permission", url.Values{
		"role": {"READER"},
	}))
	var perms struct {
		TotalCount int `json:"totalCount"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &perms))
	must.Eq(t, 1, perms.TotalCount)
}

func TestHTTP_ConsoleEndpoints(t *testing.T) {
	s := makeHTTPServer(t, nil)

	_, env := do(t, s, s.HealthLivenessRequest, formReq("GET", "/nacos/v3/console/health/liveness", url.Values{}))
	must.Eq(t, structs.CodeOK, env.Code)

	_, env = do(t, s, s.HealthReadinessRequest, formReq("GET", "/nacos/v3/console/health/readiness", url.Values{}))
	must.Eq(t, structs.CodeOK, env.Code)

	_, env = do(t, s, s.ClusterListRequest, formReq("GET", "/nacos/v2/core/cluster/node/list", url.Values{}))
	var nodes []struct {
		Address string `json:"address"`
		State   string `json:"state"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &nodes))
	must.Len(t, 1, nodes)
	must.Eq(t, "UP", nodes[0].State)

	_, env = do(t, s, s.OperatorMetricsRequest, formReq("GET", "/nacos/v2/ns/operator/metrics", url.Values{}))
	var stats struct {
		ServiceCount int `json:"serviceCount"`
		SessionCount int `json:"sessionCount"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &stats))
	must.Eq(t, 0, stats.ServiceCount)
}

// TestHTTP_EndToEnd drives the mux over a real listener.
func TestHTTP_EndToEnd(t *testing.T) {
	s := makeHTTPServer(t, nil)

	resp, err := http.Post(
		"http://"+s.Addr+"/nacos/v2/cs/config?dataId=e2e&content=hello",
		"application/x-www-form-urlencoded",
		strings.NewReader(""),
	)
	must.NoError(t, err)
	defer resp.Body.Close()
	must.Eq(t, 200, resp.StatusCode)

	getResp, err := http.Get("http://" + s.Addr + "/nacos/v2/cs/config?dataId=e2e")
	must.NoError(t, err)
	defer getResp.Body.Close()
	raw, err := io.ReadAll(getResp.Body)
	must.NoError(t, err)

	var env testEnvelope
	must.NoError(t, json.Unmarshal(raw, &env))
	must.Eq(t, structs.CodeOK, env.Code)
	var data struct {
		Content string `json:"content"`
	}
	must.NoError(t, json.Unmarshal(env.Data, &data))
	must.Eq(t, "hello", data.Content)
}
