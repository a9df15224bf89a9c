// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"context"
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/beacon/beacon/stream"
	"github.com/hashicorp/beacon/beacon/structs"
)

const (
	// maxListenWait bounds a long-poll listen.
	maxListenWait = 60 * time.Second

	// defaultListenWait is used when a blocking listen names no bound.
	defaultListenWait = 30 * time.Second
)

// ConfigEndpoint is the dynamic-configuration RPC surface.
type ConfigEndpoint struct {
	srv *Server
	ctx *RPCContext
}

// Publish creates or replaces a config entry. CasMD5, when set, makes the
// write conditional on the current content hash.
func (e *ConfigEndpoint) Publish(args *structs.ConfigPublishRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "publish"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}
	if args.Content == "" {
		return structs.NewInvalidArgumentError("missing content")
	}
	if len(args.Content) > structs.MaxConfigContentBytes {
		return fmt.Errorf("content of %s exceeds the %s limit: %w",
			humanize.IBytes(uint64(len(args.Content))),
			humanize.IBytes(structs.MaxConfigContentBytes),
			structs.ErrResourceExhausted)
	}
	if args.Type != "" && !structs.ValidConfigType(args.Type) {
		return structs.NewInvalidArgumentError("unknown config type %q", args.Type)
	}

	principal, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}
	if args.SrcUser == "" {
		args.SrcUser = principal.Username
	}

	index, err := e.srv.state.PublishConfig(e.srv.shutdownCtx, args)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Query returns the effective entry for the caller: listeners inside a
// gray rule's ip list see the gray content.
func (e *ConfigEndpoint) Query(args *structs.ConfigQueryRequest, reply *structs.ConfigQueryResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "query"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowRead(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	clientIP := args.ClientIP
	if clientIP == "" && e.ctx != nil {
		clientIP = e.ctx.RemoteIP
	}

	entry, gray, err := e.srv.state.ResolveConfig(args.Config, clientIP)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("config %s: %w", args.Config.ID(), structs.ErrNotFound)
	}
	reply.Entry = entry
	reply.Gray = gray

	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Remove deletes an entry. Removing an absent entry succeeds.
func (e *ConfigEndpoint) Remove(args *structs.ConfigRemoveRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "remove"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	if _, err := e.srv.state.DeleteConfig(e.srv.shutdownCtx, args.Config); err != nil {
		return err
	}
	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// BatchListen diffs the presented fingerprints against current state. On
// a session-bound connection it also registers the listens so later
// changes push. Without a session it degrades to a long-poll: the call
// blocks until a presented key changes or the wait expires.
func (e *ConfigEndpoint) BatchListen(args *structs.ConfigBatchListenRequest, reply *structs.ConfigBatchListenResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "batch_listen"}, time.Now())

	if len(args.Fingerprints) == 0 {
		return structs.NewInvalidArgumentError("missing fingerprints")
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	for i := range args.Fingerprints {
		args.Fingerprints[i].Canonicalize()
		fp := args.Fingerprints[i]
		if err := fp.ConfigKey.Validate(); err != nil {
			return err
		}
		if !aclObj.AllowRead(fp.Namespace, fp.Group, fp.DataID) {
			return structs.ErrPermissionDenied
		}
	}

	clientIP := args.ClientIP
	if clientIP == "" && e.ctx != nil {
		clientIP = e.ctx.RemoteIP
	}

	// A connection-bound or explicitly named session gets push delivery.
	sessionID := args.SessionID
	if sessionID == "" && e.ctx != nil {
		sessionID = e.ctx.SessionID
	}
	if sessionID != "" {
		if err := e.srv.sessions.Touch(sessionID); err != nil {
			return err
		}
		if !args.Listen {
			keys := make([]structs.ConfigKey, 0, len(args.Fingerprints))
			for _, fp := range args.Fingerprints {
				keys = append(keys, fp.ConfigKey)
			}
			e.srv.notify.Unlisten(sessionID, keys)
			return nil
		}
		changed, err := e.srv.notify.Listen(sessionID, clientIP, args.Fingerprints)
		if err != nil {
			return err
		}
		reply.Changed = changed
		return nil
	}

	if !args.Listen {
		return nil
	}
	return e.longPoll(args, clientIP, reply)
}

func (e *ConfigEndpoint) longPoll(args *structs.ConfigBatchListenRequest, clientIP string, reply *structs.ConfigBatchListenResponse) error {
	wait := args.MaxQueryTime
	if wait > maxListenWait {
		wait = maxListenWait
	}

	// Subscribe before the first diff so a change landing between diff
	// and wait is not lost.
	keys := make([]string, 0, len(args.Fingerprints))
	for _, fp := range args.Fingerprints {
		keys = append(keys, fp.ConfigKey.ID())
	}
	sub := e.srv.broker.Subscribe(&stream.SubscribeRequest{
		Topics: map[structs.Topic][]string{structs.TopicConfig: keys},
	})
	defer sub.Unsubscribe()

	changed, err := e.srv.notify.Diff(clientIP, args.Fingerprints)
	if err != nil {
		return err
	}
	if len(changed) > 0 || wait == 0 {
		reply.Changed = changed
		return nil
	}

	ctx, cancel := context.WithTimeout(e.srv.shutdownCtx, wait)
	defer cancel()
	for {
		if _, err := sub.Next(ctx); err != nil {
			// Timeout or shutdown: report no changes.
			return nil
		}
		changed, err := e.srv.notify.Diff(clientIP, args.Fingerprints)
		if err != nil {
			return err
		}
		if len(changed) > 0 {
			reply.Changed = changed
			return nil
		}
	}
}

// GrayPublish attaches or replaces the gray shadow of an entry.
func (e *ConfigEndpoint) GrayPublish(args *structs.ConfigGrayPublishRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "gray_publish"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}
	if args.Content == "" {
		return structs.NewInvalidArgumentError("missing content")
	}
	if len(args.IPs) == 0 {
		return structs.NewInvalidArgumentError("missing gray ip list")
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	index, err := e.srv.state.PublishGray(e.srv.shutdownCtx, args.Config, args.Content, args.IPs)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// GrayQuery returns the gray shadow, or not found.
func (e *ConfigEndpoint) GrayQuery(args *structs.ConfigGrayQueryRequest, reply *structs.ConfigGrayQueryResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "gray_query"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowRead(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	gray, err := e.srv.state.GrayByKey(args.Config)
	if err != nil {
		return err
	}
	if gray == nil {
		return fmt.Errorf("gray for %s: %w", args.Config.ID(), structs.ErrNotFound)
	}
	reply.Gray = gray
	return nil
}

// GrayRemove drops the gray shadow, restoring the base entry for all
// clients. Removing an absent shadow is an error.
func (e *ConfigEndpoint) GrayRemove(args *structs.ConfigRemoveRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "gray_remove"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	index, err := e.srv.state.DeleteGray(e.srv.shutdownCtx, args.Config)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// AggregatePublish stores one datum and republishes the composed entry.
func (e *ConfigEndpoint) AggregatePublish(args *structs.ConfigAggregatePublishRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "aggregate_publish"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}
	if args.DatumID == "" {
		return structs.NewInvalidArgumentError("missing datum id")
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	index, err := e.srv.state.UpsertDatum(e.srv.shutdownCtx, args.Config, args.DatumID, args.Content)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// AggregateRemove deletes one datum; deleting the last removes the
// composed entry.
func (e *ConfigEndpoint) AggregateRemove(args *structs.ConfigAggregateRemoveRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "aggregate_remove"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}
	if args.DatumID == "" {
		return structs.NewInvalidArgumentError("missing datum id")
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	index, err := e.srv.state.DeleteDatum(e.srv.shutdownCtx, args.Config, args.DatumID)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// HistoryList pages through a key's history, newest first.
func (e *ConfigEndpoint) HistoryList(args *structs.ConfigHistoryListRequest, reply *structs.ConfigHistoryListResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "history_list"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowRead(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	records, err := e.srv.state.HistoryByKey(args.Config)
	if err != nil {
		return err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	reply.Count = len(records)
	offset, limit := args.Bounds(len(records))
	reply.Records = records[offset : offset+limit]
	return nil
}

// HistoryGet returns one history record by nid, or the one before it.
func (e *ConfigEndpoint) HistoryGet(args *structs.ConfigHistoryGetRequest, reply *structs.ConfigHistoryGetResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "history_get"}, time.Now())

	args.Config.Canonicalize()
	if err := args.Config.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowRead(args.Config.Namespace, args.Config.Group, args.Config.DataID) {
		return structs.ErrPermissionDenied
	}

	var record *structs.HistoryRecord
	if args.Previous {
		record, err = e.srv.state.PreviousHistory(args.Config, args.NID)
	} else {
		record, err = e.srv.state.HistoryByNID(args.Config, args.NID)
	}
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("history %d for %s: %w", args.NID, args.Config.ID(), structs.ErrNotFound)
	}
	reply.Record = record
	return nil
}

// Export returns every entry in a namespace (optionally one group) for
// the HTTP layer to pack.
func (e *ConfigEndpoint) Export(args *structs.ConfigExportRequest, reply *structs.ConfigExportResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "export"}, time.Now())

	if args.Namespace == "" {
		args.Namespace = structs.DefaultNamespace
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowNamespace(args.Namespace) {
		return structs.ErrPermissionDenied
	}

	entries, err := e.srv.state.ConfigsByNamespace(args.Namespace, args.Group)
	if err != nil {
		return err
	}
	reply.Entries = entries
	return nil
}

// Import applies a batch of entries under a conflict policy. ABORT stops
// at the first existing key; entries already applied stay applied.
func (e *ConfigEndpoint) Import(args *structs.ConfigImportRequest, reply *structs.ConfigImportResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "config", "import"}, time.Now())

	switch args.Policy {
	case structs.ImportOverwrite, structs.ImportSkip, structs.ImportAbort:
	case "":
		args.Policy = structs.ImportOverwrite
	default:
		return structs.NewInvalidArgumentError("unknown import policy %q", args.Policy)
	}

	principal, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}

	for _, entry := range args.Entries {
		entry.Canonicalize()
		if err := entry.ConfigKey.Validate(); err != nil {
			return err
		}
		if !aclObj.AllowWrite(entry.Namespace, entry.Group, entry.DataID) {
			return structs.ErrPermissionDenied
		}
	}

	for _, entry := range args.Entries {
		existing, err := e.srv.state.ConfigByKey(entry.ConfigKey)
		if err != nil {
			return err
		}
		if existing != nil {
			switch args.Policy {
			case structs.ImportSkip:
				reply.Report.Skipped = append(reply.Report.Skipped, entry.ConfigKey)
				continue
			case structs.ImportAbort:
				key := entry.ConfigKey
				reply.Report.Aborted = true
				reply.Report.FailedKey = &key
				return nil
			}
		}

		index, err := e.srv.state.PublishConfig(e.srv.shutdownCtx, &structs.ConfigPublishRequest{
			Config:  entry.ConfigKey,
			Content: entry.Content,
			Type:    entry.Type,
			AppName: entry.AppName,
			SrcUser: principal.Username,
		})
		if err != nil {
			return err
		}
		reply.Report.Applied = append(reply.Report.Applied, entry.ConfigKey)
		reply.Index = index
	}
	return nil
}
