// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/kv"
)

// PublishConfig upserts a config entry. MD5 is derived here, a history
// record is written (U when a prior entry existed, I otherwise), and
// exactly one change event is emitted. When casMD5 is non-empty the write
// is conditional on the current md5 and loses with ErrConflict.
func (s *StateStore) PublishConfig(ctx context.Context, req *structs.ConfigPublishRequest) (uint64, error) {
	return s.publishConfig(ctx, req, false)
}

func (s *StateStore) publishConfig(ctx context.Context, req *structs.ConfigPublishRequest, merge bool) (uint64, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	index, err := s.publishConfigTxn(ctx, txn, req, merge)
	if err != nil {
		return 0, err
	}

	gray, err := s.grayByKeyTxn(txn, req.Config)
	if err != nil {
		return 0, err
	}
	entry, err := s.configByKeyTxn(txn, req.Config)
	if err != nil {
		return 0, err
	}

	txn.Commit()
	s.publishEvents(&structs.Events{Index: index, Events: []structs.Event{{
		Topic: structs.TopicConfig,
		Type:  structs.TypeConfigChanged,
		Key:   req.Config.ID(),
		Index: index,
		Payload: &structs.ConfigEventPayload{
			Key:   req.Config,
			Entry: entry,
			Gray:  gray,
		},
	}}})
	return index, nil
}

func (s *StateStore) publishConfigTxn(ctx context.Context, txn *memdb.Txn, req *structs.ConfigPublishRequest, merge bool) (uint64, error) {
	key := req.Config
	prior, err := s.configByKeyTxn(txn, key)
	if err != nil {
		return 0, err
	}
	if req.CasMD5 != "" {
		priorMD5 := ""
		if prior != nil {
			priorMD5 = prior.MD5
		}
		if req.CasMD5 != priorMD5 {
			return 0, fmt.Errorf("%w: cas md5 mismatch on %s", structs.ErrConflict, key)
		}
	}

	index, err := s.nextIndex(txn, tableConfigs)
	if err != nil {
		return 0, err
	}

	entry := &structs.ConfigEntry{
		ConfigKey:        key,
		Content:          req.Content,
		Type:             req.Type,
		MD5:              structs.ContentMD5(req.Content),
		EncryptedDataKey: req.EncryptedDataKey,
		AppName:          req.AppName,
		SrcUser:          req.SrcUser,
		LastModified:     time.Now(),
		ModifyIndex:      index,
	}
	op := structs.HistoryOpInsert
	if prior != nil {
		op = structs.HistoryOpUpdate
		entry.CreateIndex = prior.CreateIndex
		if entry.Type == "" {
			entry.Type = prior.Type
		}
	} else {
		entry.CreateIndex = index
	}
	if entry.Type == "" {
		entry.Type = structs.ConfigTypeText
	}

	hist := &structs.HistoryRecord{
		ConfigKey:      key,
		NID:            0, // assigned below
		OpType:         op,
		Content:        entry.Content,
		MD5:            entry.MD5,
		Type:           entry.Type,
		AggregateMerge: merge,
		SrcUser:        entry.SrcUser,
		Created:        entry.LastModified,
		CreateIndex:    index,
	}
	if err := s.appendHistoryTxn(ctx, txn, hist); err != nil {
		return 0, err
	}

	if err := s.durablePut(ctx, kv.ConfigPath(key), entry); err != nil {
		return 0, err
	}
	if err := txn.Insert(tableConfigs, entry); err != nil {
		return 0, err
	}
	return index, nil
}

// DeleteConfig removes an entry, writing a D history record and clearing
// the gray shadow and datums. History records are kept. Removing a missing
// entry is a no-op success.
func (s *StateStore) DeleteConfig(ctx context.Context, key structs.ConfigKey) (bool, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	prior, err := s.configByKeyTxn(txn, key)
	if err != nil {
		return false, err
	}
	if prior == nil {
		return false, nil
	}

	index, err := s.nextIndex(txn, tableConfigs)
	if err != nil {
		return false, err
	}

	hist := &structs.HistoryRecord{
		ConfigKey:   key,
		OpType:      structs.HistoryOpDelete,
		Content:     prior.Content,
		MD5:         prior.MD5,
		Type:        prior.Type,
		Created:     time.Now(),
		CreateIndex: index,
	}
	if err := s.appendHistoryTxn(ctx, txn, hist); err != nil {
		return false, err
	}

	if err := s.durableDelete(ctx, kv.ConfigPath(key)); err != nil {
		return false, err
	}
	if err := txn.Delete(tableConfigs, prior); err != nil {
		return false, err
	}
	if gray, err := s.grayByKeyTxn(txn, key); err != nil {
		return false, err
	} else if gray != nil {
		if err := s.durableDelete(ctx, kv.ConfigGrayPath(key)); err != nil {
			return false, err
		}
		if err := txn.Delete(tableGrays, gray); err != nil {
			return false, err
		}
	}
	if err := s.deleteDatumsTxn(ctx, txn, key); err != nil {
		return false, err
	}

	txn.Commit()
	s.publishEvents(&structs.Events{Index: index, Events: []structs.Event{{
		Topic:   structs.TopicConfig,
		Type:    structs.TypeConfigRemoved,
		Key:     key.ID(),
		Index:   index,
		Payload: &structs.ConfigEventPayload{Key: key},
	}}})
	return true, nil
}

// ConfigByKey returns the base entry or nil.
func (s *StateStore) ConfigByKey(key structs.ConfigKey) (*structs.ConfigEntry, error) {
	return s.configByKeyTxn(s.snapshot(), key)
}

func (s *StateStore) configByKeyTxn(txn *memdb.Txn, key structs.ConfigKey) (*structs.ConfigEntry, error) {
	raw, err := txn.First(tableConfigs, "id", key.Namespace, key.Group, key.DataID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.ConfigEntry), nil
}

// ResolveConfig applies gray visibility: the gray shadow wins iff the
// client ip matches its rule.
func (s *StateStore) ResolveConfig(key structs.ConfigKey, clientIP string) (*structs.ConfigEntry, bool, error) {
	txn := s.snapshot()
	entry, err := s.configByKeyTxn(txn, key)
	if err != nil {
		return nil, false, err
	}
	gray, err := s.grayByKeyTxn(txn, key)
	if err != nil {
		return nil, false, err
	}
	if gray != nil && gray.Rule.Matches(clientIP) {
		shadow := &structs.ConfigEntry{
			ConfigKey:    key,
			Content:      gray.Content,
			MD5:          gray.MD5,
			LastModified: gray.LastModified,
			ModifyIndex:  gray.ModifyIndex,
		}
		if entry != nil {
			shadow.Type = entry.Type
			shadow.CreateIndex = entry.CreateIndex
		}
		return shadow, true, nil
	}
	return entry, false, nil
}

// ConfigsByNamespace lists entries under a namespace, optionally filtered
// by group, ordered by (group, dataId).
func (s *StateStore) ConfigsByNamespace(namespace, group string) ([]*structs.ConfigEntry, error) {
	txn := s.snapshot()
	var iter memdb.ResultIterator
	var err error
	if group != "" {
		iter, err = txn.Get(tableConfigs, "id_prefix", namespace, group)
	} else {
		iter, err = txn.Get(tableConfigs, "id_prefix", namespace)
	}
	if err != nil {
		return nil, err
	}
	var out []*structs.ConfigEntry
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.ConfigEntry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].DataID < out[j].DataID
	})
	return out, nil
}

// CountConfigs counts entries in a namespace, used by the namespace-delete
// guard.
func (s *StateStore) CountConfigs(namespace string) (int, error) {
	entries, err := s.ConfigsByNamespace(namespace, "")
	return len(entries), err
}

// PublishGray attaches or replaces the gray shadow of an existing entry.
func (s *StateStore) PublishGray(ctx context.Context, key structs.ConfigKey, content string, ips []string) (uint64, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	base, err := s.configByKeyTxn(txn, key)
	if err != nil {
		return 0, err
	}
	if base == nil {
		return 0, fmt.Errorf("%w: no base config %s for gray publish", structs.ErrNotFound, key)
	}

	prior, err := s.grayByKeyTxn(txn, key)
	if err != nil {
		return 0, err
	}
	index, err := s.nextIndex(txn, tableGrays)
	if err != nil {
		return 0, err
	}
	gray := &structs.ConfigGray{
		ConfigKey:    key,
		Content:      content,
		MD5:          structs.ContentMD5(content),
		Rule:         structs.GrayRule{IPs: ips},
		LastModified: time.Now(),
		CreateIndex:  index,
		ModifyIndex:  index,
	}
	if prior != nil {
		gray.CreateIndex = prior.CreateIndex
	}
	if err := s.durablePut(ctx, kv.ConfigGrayPath(key), gray); err != nil {
		return 0, err
	}
	if err := txn.Insert(tableGrays, gray); err != nil {
		return 0, err
	}

	txn.Commit()
	s.publishEvents(&structs.Events{Index: index, Events: []structs.Event{{
		Topic: structs.TopicConfig,
		Type:  structs.TypeConfigChanged,
		Key:   key.ID(),
		Index: index,
		Payload: &structs.ConfigEventPayload{
			Key:   key,
			Entry: base,
			Gray:  gray,
		},
	}}})
	return index, nil
}

// GrayByKey returns the gray shadow or nil.
func (s *StateStore) GrayByKey(key structs.ConfigKey) (*structs.ConfigGray, error) {
	return s.grayByKeyTxn(s.snapshot(), key)
}

func (s *StateStore) grayByKeyTxn(txn *memdb.Txn, key structs.ConfigKey) (*structs.ConfigGray, error) {
	raw, err := txn.First(tableGrays, "id", key.Namespace, key.Group, key.DataID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.ConfigGray), nil
}

// DeleteGray removes the gray shadow. Deleting a missing shadow fails with
// NotFound: targeted deletes are expected to name live state.
func (s *StateStore) DeleteGray(ctx context.Context, key structs.ConfigKey) (uint64, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	gray, err := s.grayByKeyTxn(txn, key)
	if err != nil {
		return 0, err
	}
	if gray == nil {
		return 0, fmt.Errorf("%w: no gray entry for %s", structs.ErrNotFound, key)
	}
	base, err := s.configByKeyTxn(txn, key)
	if err != nil {
		return 0, err
	}

	index, err := s.nextIndex(txn, tableGrays)
	if err != nil {
		return 0, err
	}
	if err := s.durableDelete(ctx, kv.ConfigGrayPath(key)); err != nil {
		return 0, err
	}
	if err := txn.Delete(tableGrays, gray); err != nil {
		return 0, err
	}

	txn.Commit()
	s.publishEvents(&structs.Events{Index: index, Events: []structs.Event{{
		Topic: structs.TopicConfig,
		Type:  structs.TypeConfigChanged,
		Key:   key.ID(),
		Index: index,
		Payload: &structs.ConfigEventPayload{
			Key:   key,
			Entry: base,
		},
	}}})
	return index, nil
}

// UpsertDatum stores one aggregate datum and republishes the composed
// entry: the concatenation of datum contents in DatumID order.
func (s *StateStore) UpsertDatum(ctx context.Context, key structs.ConfigKey, datumID, content string) (uint64, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	index, err := s.nextIndex(txn, tableAggregates)
	if err != nil {
		return 0, err
	}
	datum := &structs.AggregateDatum{
		ConfigKey:   key,
		DatumID:     datumID,
		Content:     content,
		CreateIndex: index,
		ModifyIndex: index,
	}
	if raw, err := txn.First(tableAggregates, "id", key.Namespace, key.Group, key.DataID, datumID); err != nil {
		return 0, err
	} else if raw != nil {
		datum.CreateIndex = raw.(*structs.AggregateDatum).CreateIndex
	}
	if err := s.durablePut(ctx, kv.ConfigAggrPath(key, datumID), datum); err != nil {
		return 0, err
	}
	if err := txn.Insert(tableAggregates, datum); err != nil {
		return 0, err
	}
	return s.mergeDatumsTxn(ctx, txn, key)
}

// DeleteDatum removes one datum and republishes the merge. Removing the
// last datum removes the composed entry.
func (s *StateStore) DeleteDatum(ctx context.Context, key structs.ConfigKey, datumID string) (uint64, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableAggregates, "id", key.Namespace, key.Group, key.DataID, datumID)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, fmt.Errorf("%w: datum %s of %s", structs.ErrNotFound, datumID, key)
	}
	if err := s.durableDelete(ctx, kv.ConfigAggrPath(key, datumID)); err != nil {
		return 0, err
	}
	if err := txn.Delete(tableAggregates, raw); err != nil {
		return 0, err
	}
	return s.mergeDatumsTxn(ctx, txn, key)
}

// mergeDatumsTxn recomputes the composed entry from the surviving datums
// and publishes it through the normal config path, marking the history
// record as an aggregate merge. It commits the transaction.
func (s *StateStore) mergeDatumsTxn(ctx context.Context, txn *memdb.Txn, key structs.ConfigKey) (uint64, error) {
	datums, err := s.datumsTxn(txn, key)
	if err != nil {
		return 0, err
	}

	if len(datums) == 0 {
		prior, err := s.configByKeyTxn(txn, key)
		if err != nil {
			return 0, err
		}
		index, err := s.nextIndex(txn, tableConfigs)
		if err != nil {
			return 0, err
		}
		if prior != nil {
			hist := &structs.HistoryRecord{
				ConfigKey:      key,
				OpType:         structs.HistoryOpDelete,
				Content:        prior.Content,
				MD5:            prior.MD5,
				Type:           prior.Type,
				AggregateMerge: true,
				Created:        time.Now(),
				CreateIndex:    index,
			}
			if err := s.appendHistoryTxn(ctx, txn, hist); err != nil {
				return 0, err
			}
			if err := s.durableDelete(ctx, kv.ConfigPath(key)); err != nil {
				return 0, err
			}
			if err := txn.Delete(tableConfigs, prior); err != nil {
				return 0, err
			}
		}
		txn.Commit()
		s.publishEvents(&structs.Events{Index: index, Events: []structs.Event{{
			Topic:   structs.TopicConfig,
			Type:    structs.TypeConfigRemoved,
			Key:     key.ID(),
			Index:   index,
			Payload: &structs.ConfigEventPayload{Key: key},
		}}})
		return index, nil
	}

	var b strings.Builder
	for _, d := range datums {
		b.WriteString(d.Content)
	}
	req := &structs.ConfigPublishRequest{
		Config:  key,
		Content: b.String(),
	}
	index, err := s.publishConfigTxn(ctx, txn, req, true)
	if err != nil {
		return 0, err
	}
	entry, err := s.configByKeyTxn(txn, key)
	if err != nil {
		return 0, err
	}
	gray, err := s.grayByKeyTxn(txn, key)
	if err != nil {
		return 0, err
	}
	txn.Commit()
	s.publishEvents(&structs.Events{Index: index, Events: []structs.Event{{
		Topic: structs.TopicConfig,
		Type:  structs.TypeConfigChanged,
		Key:   key.ID(),
		Index: index,
		Payload: &structs.ConfigEventPayload{
			Key:   key,
			Entry: entry,
			Gray:  gray,
		},
	}}})
	return index, nil
}

// Datums lists the datums of a key in DatumID order.
func (s *StateStore) Datums(key structs.ConfigKey) ([]*structs.AggregateDatum, error) {
	return s.datumsTxn(s.snapshot(), key)
}

func (s *StateStore) datumsTxn(txn *memdb.Txn, key structs.ConfigKey) ([]*structs.AggregateDatum, error) {
	iter, err := txn.Get(tableAggregates, "id_prefix", key.Namespace, key.Group, key.DataID)
	if err != nil {
		return nil, err
	}
	var out []*structs.AggregateDatum
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.AggregateDatum))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatumID < out[j].DatumID })
	return out, nil
}

func (s *StateStore) deleteDatumsTxn(ctx context.Context, txn *memdb.Txn, key structs.ConfigKey) error {
	datums, err := s.datumsTxn(txn, key)
	if err != nil {
		return err
	}
	for _, d := range datums {
		if err := s.durableDelete(ctx, kv.ConfigAggrPath(key, d.DatumID)); err != nil {
			return err
		}
		if err := txn.Delete(tableAggregates, d); err != nil {
			return err
		}
	}
	return nil
}

// appendHistoryTxn assigns the next per-key nid and stores the record in
// memdb and the KV backend.
func (s *StateStore) appendHistoryTxn(ctx context.Context, txn *memdb.Txn, rec *structs.HistoryRecord) error {
	last, err := s.lastHistoryTxn(txn, rec.ConfigKey)
	if err != nil {
		return err
	}
	rec.NID = 1
	if last != nil {
		rec.NID = last.NID + 1
	}
	if err := s.durablePut(ctx, kv.ConfigHistoryPath(rec.ConfigKey, rec.NID), rec); err != nil {
		return err
	}
	return txn.Insert(tableHistory, rec)
}

func (s *StateStore) lastHistoryTxn(txn *memdb.Txn, key structs.ConfigKey) (*structs.HistoryRecord, error) {
	iter, err := txn.Get(tableHistory, "id_prefix", key.Namespace, key.Group, key.DataID)
	if err != nil {
		return nil, err
	}
	var last *structs.HistoryRecord
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		last = raw.(*structs.HistoryRecord)
	}
	return last, nil
}

// HistoryByKey lists history records for a key in ascending nid order.
func (s *StateStore) HistoryByKey(key structs.ConfigKey) ([]*structs.HistoryRecord, error) {
	txn := s.snapshot()
	iter, err := txn.Get(tableHistory, "id_prefix", key.Namespace, key.Group, key.DataID)
	if err != nil {
		return nil, err
	}
	var out []*structs.HistoryRecord
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.HistoryRecord))
	}
	return out, nil
}

// HistoryByNID returns one record or nil.
func (s *StateStore) HistoryByNID(key structs.ConfigKey, nid uint64) (*structs.HistoryRecord, error) {
	txn := s.snapshot()
	raw, err := txn.First(tableHistory, "id", key.Namespace, key.Group, key.DataID, nid)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.HistoryRecord), nil
}

// PreviousHistory returns the record with the largest nid strictly below
// the given one, or nil.
func (s *StateStore) PreviousHistory(key structs.ConfigKey, nid uint64) (*structs.HistoryRecord, error) {
	records, err := s.HistoryByKey(key)
	if err != nil {
		return nil, err
	}
	var prev *structs.HistoryRecord
	for _, rec := range records {
		if rec.NID >= nid {
			break
		}
		prev = rec
	}
	return prev, nil
}

// restoreConfigs loads configs, grays, datums and history from the KV
// backend at startup.
func (s *StateStore) restoreConfigs(ctx context.Context) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	restore := []struct {
		prefix string
		make   func() interface{}
		table  string
	}{
		{kv.ConfigPrefix, func() interface{} { return new(structs.ConfigEntry) }, tableConfigs},
		{kv.ConfigGrayPrefix, func() interface{} { return new(structs.ConfigGray) }, tableGrays},
		{kv.ConfigAggrPrefix, func() interface{} { return new(structs.AggregateDatum) }, tableAggregates},
		{kv.ConfigHistoryPrefix, func() interface{} { return new(structs.HistoryRecord) }, tableHistory},
	}
	for _, r := range restore {
		items, err := s.durable.List(ctx, r.prefix)
		if err != nil {
			return err
		}
		for _, item := range items {
			obj := r.make()
			if err := structs.Decode(item.Value, obj); err != nil {
				return fmt.Errorf("failed to decode %q: %w", item.Key, err)
			}
			if err := txn.Insert(r.table, obj); err != nil {
				return err
			}
		}
	}
	txn.Commit()
	return nil
}
