// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/beacon/beacon/structs"
)

// Long-poll probe wire format: fields joined by \x02, entries by \x01.
const (
	wordSeparator = "\x02"
	lineSeparator = "\x01"
)

// configData is the config entry in wire shape.
type configData struct {
	DataID       string `json:"dataId"`
	Group        string `json:"group"`
	Tenant       string `json:"tenant"`
	Content      string `json:"content"`
	MD5          string `json:"md5"`
	Type         string `json:"type"`
	AppName      string `json:"appName,omitempty"`
	SrcUser      string `json:"srcUser,omitempty"`
	LastModified int64  `json:"lastModifiedTime"`
	Beta         bool   `json:"beta,omitempty"`
}

func configDataFromEntry(entry *structs.ConfigEntry, beta bool) *configData {
	return &configData{
		DataID:       entry.DataID,
		Group:        entry.Group,
		Tenant:       entry.Namespace,
		Content:      entry.Content,
		MD5:          entry.MD5,
		Type:         entry.Type,
		AppName:      entry.AppName,
		SrcUser:      entry.SrcUser,
		LastModified: entry.LastModified.UnixMilli(),
		Beta:         beta,
	}
}

// clientIP is the request source, used for gray visibility.
func clientIP(req *http.Request) string {
	if ip := req.FormValue("clientIp"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func (s *HTTPServer) ConfigRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		args := structs.ConfigQueryRequest{
			Config:       s.configKey(req),
			ClientIP:     clientIP(req),
			QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
		}
		var out structs.ConfigQueryResponse
		if err := s.agent.server.RPC("Config.Query", &args, &out); err != nil {
			return nil, err
		}
		return configDataFromEntry(out.Entry, out.Gray), nil

	case http.MethodPost:
		args := structs.ConfigPublishRequest{
			Config:       s.configKey(req),
			Content:      req.FormValue("content"),
			Type:         req.FormValue("type"),
			AppName:      req.FormValue("appName"),
			SrcUser:      req.FormValue("srcUser"),
			CasMD5:       req.FormValue("casMd5"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("Config.Publish", &args, &out); err != nil {
			return nil, err
		}
		return true, nil

	case http.MethodDelete:
		args := structs.ConfigRemoveRequest{
			Config:       s.configKey(req),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("Config.Remove", &args, &out); err != nil {
			return nil, err
		}
		return true, nil

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) ConfigBetaRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost:
		var ips []string
		for _, ip := range strings.Split(req.FormValue("betaIps"), ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				ips = append(ips, ip)
			}
		}
		args := structs.ConfigGrayPublishRequest{
			Config:       s.configKey(req),
			Content:      req.FormValue("content"),
			IPs:          ips,
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("Config.GrayPublish", &args, &out); err != nil {
			return nil, err
		}
		return true, nil

	case http.MethodGet:
		args := structs.ConfigGrayQueryRequest{
			Config:       s.configKey(req),
			QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
		}
		var out structs.ConfigGrayQueryResponse
		if err := s.agent.server.RPC("Config.GrayQuery", &args, &out); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"dataId":  out.Gray.DataID,
			"group":   out.Gray.Group,
			"tenant":  out.Gray.Namespace,
			"content": out.Gray.Content,
			"md5":     out.Gray.MD5,
			"betaIps": strings.Join(out.Gray.Rule.IPs, ","),
		}, nil

	case http.MethodDelete:
		args := structs.ConfigRemoveRequest{
			Config:       s.configKey(req),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("Config.GrayRemove", &args, &out); err != nil {
			return nil, err
		}
		return true, nil

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) ConfigAggrRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost:
		args := structs.ConfigAggregatePublishRequest{
			Config:       s.configKey(req),
			DatumID:      req.FormValue("datumId"),
			Content:      req.FormValue("content"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("Config.AggregatePublish", &args, &out); err != nil {
			return nil, err
		}
		return true, nil

	case http.MethodDelete:
		args := structs.ConfigAggregateRemoveRequest{
			Config:       s.configKey(req),
			DatumID:      req.FormValue("datumId"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("Config.AggregateRemove", &args, &out); err != nil {
			return nil, err
		}
		return true, nil

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

// historyData is the history record wire shape.
type historyData struct {
	NID     uint64 `json:"id,string"`
	DataID  string `json:"dataId"`
	Group   string `json:"group"`
	Tenant  string `json:"tenant"`
	OpType  string `json:"opType"`
	Content string `json:"content"`
	MD5     string `json:"md5"`
	SrcUser string `json:"srcUser,omitempty"`
	Created int64  `json:"createdTime"`
}

func historyDataFromRecord(rec *structs.HistoryRecord) *historyData {
	return &historyData{
		NID:     rec.NID,
		DataID:  rec.DataID,
		Group:   rec.Group,
		Tenant:  rec.Namespace,
		OpType:  rec.OpType,
		Content: rec.Content,
		MD5:     rec.MD5,
		SrcUser: rec.SrcUser,
		Created: rec.Created.UnixMilli(),
	}
}

func (s *HTTPServer) ConfigHistoryListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	page, err := parsePage(req)
	if err != nil {
		return nil, err
	}
	args := structs.ConfigHistoryListRequest{
		Config:       s.configKey(req),
		PageRequest:  page,
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ConfigHistoryListResponse
	if err := s.agent.server.RPC("Config.HistoryList", &args, &out); err != nil {
		return nil, err
	}
	items := make([]*historyData, 0, len(out.Records))
	for _, rec := range out.Records {
		items = append(items, historyDataFromRecord(rec))
	}
	return &pageResult{TotalCount: out.Count, PageItems: items}, nil
}

func (s *HTTPServer) ConfigHistoryRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return s.configHistoryGet(req, false)
}

func (s *HTTPServer) ConfigHistoryPreviousRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return s.configHistoryGet(req, true)
}

func (s *HTTPServer) configHistoryGet(req *http.Request, previous bool) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	raw := req.FormValue("nid")
	if raw == "" {
		raw = req.FormValue("id")
	}
	nid, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, structs.NewInvalidArgumentError("invalid history id %q", raw)
	}
	args := structs.ConfigHistoryGetRequest{
		Config:       s.configKey(req),
		NID:          nid,
		Previous:     previous,
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ConfigHistoryGetResponse
	if err := s.agent.server.RPC("Config.HistoryGet", &args, &out); err != nil {
		return nil, err
	}
	return historyDataFromRecord(out.Record), nil
}

// ConfigListenerRequest is the classic long-poll probe. The body carries
// packed fingerprints; the response body names the keys whose content no
// longer matches, in the same packed format.
func (s *HTTPServer) ConfigListenerRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	probe := req.FormValue("Listening-Configs")
	if probe == "" {
		return nil, structs.NewInvalidArgumentError("missing Listening-Configs")
	}
	fps, err := parseListeningConfigs(probe)
	if err != nil {
		return nil, err
	}

	var wait time.Duration
	if raw := req.Header.Get("Long-Pulling-Timeout"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return nil, structs.NewInvalidArgumentError("invalid Long-Pulling-Timeout %q", raw)
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	args := structs.ConfigBatchListenRequest{
		ClientIP:     clientIP(req),
		Listen:       true,
		Fingerprints: fps,
		QueryOptions: structs.QueryOptions{
			AuthToken:    s.token(req),
			MaxQueryTime: wait,
		},
	}
	var out structs.ConfigBatchListenResponse
	if err := s.agent.server.RPC("Config.BatchListen", &args, &out); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, key := range out.Changed {
		sb.WriteString(key.DataID)
		sb.WriteString(wordSeparator)
		sb.WriteString(key.Group)
		if key.Namespace != structs.DefaultNamespace {
			sb.WriteString(wordSeparator)
			sb.WriteString(key.Namespace)
		}
		sb.WriteString(lineSeparator)
	}
	resp.Header().Set("Content-Type", "text/plain;charset=UTF-8")
	resp.Write([]byte(url.QueryEscape(sb.String())))
	return nil, nil
}

// parseListeningConfigs unpacks dataId^2group^2md5[^2tenant]^1 entries.
func parseListeningConfigs(probe string) ([]structs.ConfigFingerprint, error) {
	var fps []structs.ConfigFingerprint
	for _, line := range strings.Split(probe, lineSeparator) {
		if line == "" {
			continue
		}
		parts := strings.Split(line, wordSeparator)
		if len(parts) != 3 && len(parts) != 4 {
			return nil, structs.NewInvalidArgumentError("malformed listening entry %q", line)
		}
		fp := structs.ConfigFingerprint{
			ConfigKey: structs.ConfigKey{DataID: parts[0], Group: parts[1]},
			MD5:       parts[2],
		}
		if len(parts) == 4 {
			fp.Namespace = parts[3]
		}
		fp.Canonicalize()
		fps = append(fps, fp)
	}
	if len(fps) == 0 {
		return nil, structs.NewInvalidArgumentError("empty listening probe")
	}
	return fps, nil
}

// exportManifestName is the archive entry carrying per-config metadata,
// so an export→import round trip preserves type and app alongside the
// content files.
const exportManifestName = ".metadata.json"

type exportManifestItem struct {
	Group   string `json:"group"`
	DataID  string `json:"dataId"`
	Type    string `json:"type,omitempty"`
	AppName string `json:"appName,omitempty"`
}

// ConfigExportRequest streams a zip of a namespace's entries. Registered
// unwrapped: the payload is the archive, not a JSON envelope.
func (s *HTTPServer) ConfigExportRequest(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(resp, ErrInvalidMethod, 405)
		return
	}

	args := structs.ConfigExportRequest{
		Namespace:    req.FormValue("namespaceId"),
		Group:        req.FormValue("group"),
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ConfigExportResponse
	if err := s.agent.server.RPC("Config.Export", &args, &out); err != nil {
		s.handleError(resp, req, err)
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	manifest := make([]exportManifestItem, 0, len(out.Entries))
	for _, entry := range out.Entries {
		w, err := zw.Create(entry.Group + "/" + entry.DataID)
		if err != nil {
			s.handleError(resp, req, err)
			return
		}
		if _, err := w.Write([]byte(entry.Content)); err != nil {
			s.handleError(resp, req, err)
			return
		}
		manifest = append(manifest, exportManifestItem{
			Group:   entry.Group,
			DataID:  entry.DataID,
			Type:    entry.Type,
			AppName: entry.AppName,
		})
	}
	w, err := zw.Create(exportManifestName)
	if err != nil {
		s.handleError(resp, req, err)
		return
	}
	if err := json.NewEncoder(w).Encode(manifest); err != nil {
		s.handleError(resp, req, err)
		return
	}
	if err := zw.Close(); err != nil {
		s.handleError(resp, req, err)
		return
	}

	filename := fmt.Sprintf("beacon_config_export_%s.zip", time.Now().Format("20060102150405"))
	resp.Header().Set("Content-Type", "application/zip")
	resp.Header().Set("Content-Disposition", "attachment;filename="+filename)
	resp.Write(buf.Bytes())
}

// ConfigImportRequest applies a zip upload under a conflict policy.
func (s *HTTPServer) ConfigImportRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	file, _, err := req.FormFile("file")
	if err != nil {
		return nil, structs.NewInvalidArgumentError("missing import file: %v", err)
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, structs.NewInvalidArgumentError("invalid zip archive: %v", err)
	}

	readEntry := func(f *zip.File) ([]byte, error) {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	// The manifest, when present, restores each entry's type and app.
	meta := make(map[string]exportManifestItem)
	for _, f := range zr.File {
		if f.Name != exportManifestName {
			continue
		}
		raw, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		var items []exportManifestItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, structs.NewInvalidArgumentError("invalid archive manifest: %v", err)
		}
		for _, item := range items {
			meta[item.Group+"/"+item.DataID] = item
		}
	}

	namespace := req.FormValue("namespaceId")
	var entries []*structs.ConfigEntry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || f.Name == exportManifestName {
			continue
		}
		group, dataID, ok := strings.Cut(f.Name, "/")
		if !ok {
			return nil, structs.NewInvalidArgumentError("archive entry %q is not group/dataId", f.Name)
		}
		content, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		item := meta[f.Name]
		entries = append(entries, &structs.ConfigEntry{
			ConfigKey: structs.ConfigKey{
				Namespace: namespace,
				Group:     group,
				DataID:    dataID,
			},
			Content: string(content),
			Type:    item.Type,
			AppName: item.AppName,
		})
	}

	args := structs.ConfigImportRequest{
		Policy:       structs.ImportPolicy(req.FormValue("policy")),
		Entries:      entries,
		WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
	}
	var out structs.ConfigImportResponse
	if err := s.agent.server.RPC("Config.Import", &args, &out); err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"succCount": len(out.Report.Applied),
		"skipCount": len(out.Report.Skipped),
	}
	if out.Report.Aborted {
		data["aborted"] = true
		data["failData"] = out.Report.FailedKey
	}
	return data, nil
}
