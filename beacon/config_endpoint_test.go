// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/beacon/beacon/structs"
)

func configKey(dataID string) structs.ConfigKey {
	k := structs.ConfigKey{DataID: dataID}
	k.Canonicalize()
	return k
}

func publishConfig(t *testing.T, s *Server, dataID, content string) {
	t.Helper()
	var reply structs.GenericResponse
	must.NoError(t, s.RPC("Config.Publish", &structs.ConfigPublishRequest{
		Config:  configKey(dataID),
		Content: content,
	}, &reply))
}

func TestConfig_PublishQueryRemove(t *testing.T) {
	s := testServer(t, nil)

	publishConfig(t, s, "db.properties", "host=a")

	var resp structs.ConfigQueryResponse
	must.NoError(t, s.RPC("Config.Query", &structs.ConfigQueryRequest{
		Config: configKey("db.properties"),
	}, &resp))
	must.Eq(t, "host=a", resp.Entry.Content)
	must.Eq(t, structs.ContentMD5("host=a"), resp.Entry.MD5)
	must.False(t, resp.Gray)

	var rm structs.GenericResponse
	must.NoError(t, s.RPC("Config.Remove", &structs.ConfigRemoveRequest{
		Config: configKey("db.properties"),
	}, &rm))

	err := s.RPC("Config.Query", &structs.ConfigQueryRequest{
		Config: configKey("db.properties"),
	}, &resp)
	must.True(t, structs.IsErrNotFound(err))
}

func TestConfig_Publish_Validation(t *testing.T) {
	s := testServer(t, nil)
	var reply structs.GenericResponse

	err := s.RPC("Config.Publish", &structs.ConfigPublishRequest{
		Config: configKey("x"),
	}, &reply)
	must.Eq(t, structs.CodeInvalidArgument, structs.CodeForError(err))

	err = s.RPC("Config.Publish", &structs.ConfigPublishRequest{
		Config: configKey("x"), Content: "v", Type: "toml",
	}, &reply)
	must.Eq(t, structs.CodeInvalidArgument, structs.CodeForError(err))

	err = s.RPC("Config.Publish", &structs.ConfigPublishRequest{
		Config:  configKey("x"),
		Content: strings.Repeat("a", structs.MaxConfigContentBytes+1),
	}, &reply)
	must.Eq(t, structs.CodeResourceExhausted, structs.CodeForError(err))
}

func TestConfig_Publish_Cas(t *testing.T) {
	s := testServer(t, nil)
	publishConfig(t, s, "cas", "v1")

	var reply structs.GenericResponse
	err := s.RPC("Config.Publish", &structs.ConfigPublishRequest{
		Config: configKey("cas"), Content: "v2", CasMD5: "stale",
	}, &reply)
	must.Eq(t, structs.CodeConflict, structs.CodeForError(err))

	must.NoError(t, s.RPC("Config.Publish", &structs.ConfigPublishRequest{
		Config: configKey("cas"), Content: "v2", CasMD5: structs.ContentMD5("v1"),
	}, &reply))
}

func TestConfig_BatchListen_LongPollImmediate(t *testing.T) {
	s := testServer(t, nil)
	publishConfig(t, s, "watched", "v1")

	// Stale fingerprint returns immediately.
	var resp structs.ConfigBatchListenResponse
	must.NoError(t, s.RPC("Config.BatchListen", &structs.ConfigBatchListenRequest{
		Listen: true,
		Fingerprints: []structs.ConfigFingerprint{{
			ConfigKey: configKey("watched"), MD5: "stale",
		}},
	}, &resp))
	must.Len(t, 1, resp.Changed)

	// Current fingerprint with no wait returns empty.
	must.NoError(t, s.RPC("Config.BatchListen", &structs.ConfigBatchListenRequest{
		Listen: true,
		Fingerprints: []structs.ConfigFingerprint{{
			ConfigKey: configKey("watched"), MD5: structs.ContentMD5("v1"),
		}},
	}, &resp))
	must.Len(t, 0, resp.Changed)
}

func TestConfig_BatchListen_LongPollWakes(t *testing.T) {
	s := testServer(t, nil)
	publishConfig(t, s, "watched", "v1")

	done := make(chan structs.ConfigBatchListenResponse, 1)
	go func() {
		var resp structs.ConfigBatchListenResponse
		err := s.RPC("Config.BatchListen", &structs.ConfigBatchListenRequest{
			Listen: true,
			Fingerprints: []structs.ConfigFingerprint{{
				ConfigKey: configKey("watched"), MD5: structs.ContentMD5("v1"),
			}},
			QueryOptions: structs.QueryOptions{MaxQueryTime: 10 * time.Second},
		}, &resp)
		if err == nil {
			done <- resp
		}
	}()

	// Give the poller time to park, then publish.
	time.Sleep(100 * time.Millisecond)
	publishConfig(t, s, "watched", "v2")

	select {
	case resp := <-done:
		must.Len(t, 1, resp.Changed)
		must.Eq(t, "watched", resp.Changed[0].DataID)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not wake on change")
	}
}

func TestConfig_BatchListen_SessionCeiling(t *testing.T) {
	s := testServer(t, nil)
	sess := testSession(t, s)

	fps := make([]structs.ConfigFingerprint, structs.MaxListenPerSession+1)
	for i := range fps {
		fps[i] = structs.ConfigFingerprint{ConfigKey: configKey("cfg-" + strconv.Itoa(i))}
	}
	var resp structs.ConfigBatchListenResponse
	err := s.RPC("Config.BatchListen", &structs.ConfigBatchListenRequest{
		SessionID:    sess.ID,
		Listen:       true,
		Fingerprints: fps,
	}, &resp)
	must.Eq(t, structs.CodeResourceExhausted, structs.CodeForError(err))
}

func TestConfig_Gray(t *testing.T) {
	s := testServer(t, nil)
	publishConfig(t, s, "grayed", "base")

	var reply structs.GenericResponse
	must.NoError(t, s.RPC("Config.GrayPublish", &structs.ConfigGrayPublishRequest{
		Config:  configKey("grayed"),
		Content: "canary",
		IPs:     []string{"10.1.1.1"},
	}, &reply))

	var resp structs.ConfigQueryResponse
	must.NoError(t, s.RPC("Config.Query", &structs.ConfigQueryRequest{
		Config: configKey("grayed"), ClientIP: "10.1.1.1",
	}, &resp))
	must.True(t, resp.Gray)
	must.Eq(t, "canary", resp.Entry.Content)

	must.NoError(t, s.RPC("Config.Query", &structs.ConfigQueryRequest{
		Config: configKey("grayed"), ClientIP: "10.2.2.2",
	}, &resp))
	must.False(t, resp.Gray)
	must.Eq(t, "base", resp.Entry.Content)

	var grayResp structs.ConfigGrayQueryResponse
	must.NoError(t, s.RPC("Config.GrayQuery", &structs.ConfigGrayQueryRequest{
		Config: configKey("grayed"),
	}, &grayResp))
	must.Eq(t, []string{"10.1.1.1"}, grayResp.Gray.Rule.IPs)

	must.NoError(t, s.RPC("Config.GrayRemove", &structs.ConfigRemoveRequest{
		Config: configKey("grayed"),
	}, &reply))
	err := s.RPC("Config.GrayQuery", &structs.ConfigGrayQueryRequest{
		Config: configKey("grayed"),
	}, &grayResp)
	must.True(t, structs.IsErrNotFound(err))
}

func TestConfig_History(t *testing.T) {
	s := testServer(t, nil)
	publishConfig(t, s, "hist", "v1")
	publishConfig(t, s, "hist", "v2")
	var rm structs.GenericResponse
	must.NoError(t, s.RPC("Config.Remove", &structs.ConfigRemoveRequest{Config: configKey("hist")}, &rm))

	var list structs.ConfigHistoryListResponse
	must.NoError(t, s.RPC("Config.HistoryList", &structs.ConfigHistoryListRequest{
		Config: configKey("hist"),
	}, &list))
	must.Eq(t, 3, list.Count)
	// Newest first.
	must.Eq(t, structs.HistoryOpDelete, list.Records[0].OpType)
	must.Eq(t, structs.HistoryOpInsert, list.Records[2].OpType)

	var get structs.ConfigHistoryGetResponse
	must.NoError(t, s.RPC("Config.HistoryGet", &structs.ConfigHistoryGetRequest{
		Config: configKey("hist"), NID: 2,
	}, &get))
	must.Eq(t, "v2", get.Record.Content)

	must.NoError(t, s.RPC("Config.HistoryGet", &structs.ConfigHistoryGetRequest{
		Config: configKey("hist"), NID: 2, Previous: true,
	}, &get))
	must.Eq(t, uint64(1), get.Record.NID)
}

func TestConfig_Aggregate(t *testing.T) {
	s := testServer(t, nil)

	var reply structs.GenericResponse
	must.NoError(t, s.RPC("Config.AggregatePublish", &structs.ConfigAggregatePublishRequest{
		Config: configKey("aggr"), DatumID: "d1", Content: "a\n",
	}, &reply))
	must.NoError(t, s.RPC("Config.AggregatePublish", &structs.ConfigAggregatePublishRequest{
		Config: configKey("aggr"), DatumID: "d2", Content: "b\n",
	}, &reply))

	var resp structs.ConfigQueryResponse
	must.NoError(t, s.RPC("Config.Query", &structs.ConfigQueryRequest{Config: configKey("aggr")}, &resp))
	must.Eq(t, "a\nb\n", resp.Entry.Content)

	must.NoError(t, s.RPC("Config.AggregateRemove", &structs.ConfigAggregateRemoveRequest{
		Config: configKey("aggr"), DatumID: "d1",
	}, &reply))
	must.NoError(t, s.RPC("Config.Query", &structs.ConfigQueryRequest{Config: configKey("aggr")}, &resp))
	must.Eq(t, "b\n", resp.Entry.Content)
}

func TestConfig_ExportImport(t *testing.T) {
	s := testServer(t, nil)
	publishConfig(t, s, "one", "1")
	publishConfig(t, s, "two", "2")

	var export structs.ConfigExportResponse
	must.NoError(t, s.RPC("Config.Export", &structs.ConfigExportRequest{}, &export))
	must.Len(t, 2, export.Entries)

	// SKIP keeps existing content.
	publishConfig(t, s, "one", "local-edit")
	var imp structs.ConfigImportResponse
	must.NoError(t, s.RPC("Config.Import", &structs.ConfigImportRequest{
		Policy:  structs.ImportSkip,
		Entries: export.Entries,
	}, &imp))
	must.Len(t, 2, imp.Report.Skipped)

	var resp structs.ConfigQueryResponse
	must.NoError(t, s.RPC("Config.Query", &structs.ConfigQueryRequest{Config: configKey("one")}, &resp))
	must.Eq(t, "local-edit", resp.Entry.Content)

	// ABORT stops at the first conflict.
	must.NoError(t, s.RPC("Config.Import", &structs.ConfigImportRequest{
		Policy:  structs.ImportAbort,
		Entries: export.Entries,
	}, &imp))
	must.True(t, imp.Report.Aborted)
	must.NotNil(t, imp.Report.FailedKey)

	// OVERWRITE replaces.
	must.NoError(t, s.RPC("Config.Import", &structs.ConfigImportRequest{
		Policy:  structs.ImportOverwrite,
		Entries: export.Entries,
	}, &imp))
	must.Len(t, 2, imp.Report.Applied)
	must.NoError(t, s.RPC("Config.Query", &structs.ConfigQueryRequest{Config: configKey("one")}, &resp))
	must.Eq(t, "1", resp.Entry.Content)
}
