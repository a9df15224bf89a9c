// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"crypto/md5"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

const (
	// MaxConfigContentBytes is the content ceiling for a single entry.
	MaxConfigContentBytes = 10 << 20

	// MaxListenPerSession bounds the fingerprints one session may hold.
	MaxListenPerSession = 500
)

// Config content types.
const (
	ConfigTypeText       = "text"
	ConfigTypeProperties = "properties"
	ConfigTypeYAML       = "yaml"
	ConfigTypeJSON       = "json"
	ConfigTypeXML        = "xml"
)

// ValidConfigType reports whether t names a known content type.
func ValidConfigType(t string) bool {
	switch t {
	case ConfigTypeText, ConfigTypeProperties, ConfigTypeYAML, ConfigTypeJSON, ConfigTypeXML:
		return true
	}
	return false
}

// ContentMD5 is the hex MD5 of the exact UTF-8 bytes. Wire compatibility
// requires literal MD5 here.
func ContentMD5(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ConfigKey identifies a config entry.
type ConfigKey struct {
	Namespace string
	Group     string
	DataID    string
}

func (k *ConfigKey) Canonicalize() {
	if k.Namespace == "" {
		k.Namespace = DefaultNamespace
	}
	if k.Group == "" {
		k.Group = DefaultGroup
	}
}

func (k ConfigKey) Validate() error {
	if k.DataID == "" {
		return NewInvalidArgumentError("missing dataId")
	}
	if strings.ContainsAny(k.DataID, " \t\r\n") || strings.ContainsAny(k.Group, " \t\r\n") {
		return NewInvalidArgumentError("dataId or group contains whitespace")
	}
	return nil
}

func (k ConfigKey) ID() string {
	return k.Namespace + "/" + k.Group + "/" + k.DataID
}

func (k ConfigKey) String() string {
	return k.DataID + "+" + k.Group + "+" + k.Namespace
}

// ConfigEntry is a stored config. MD5 is always derived from Content.
type ConfigEntry struct {
	ConfigKey

	Content          string
	Type             string
	MD5              string
	EncryptedDataKey string
	AppName          string
	SrcUser          string
	LastModified     time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (c *ConfigEntry) Copy() *ConfigEntry {
	if c == nil {
		return nil
	}
	nc := *c
	return &nc
}

// GrayRule is the IP match list attached to a gray/beta shadow entry.
type GrayRule struct {
	IPs []string
}

// Matches reports whether the client source ip selects the gray content.
func (g *GrayRule) Matches(ip string) bool {
	if g == nil {
		return false
	}
	return slices.Contains(g.IPs, ip)
}

// ConfigGray is the shadow entry attached to a base config.
type ConfigGray struct {
	ConfigKey

	Content      string
	MD5          string
	Rule         GrayRule
	LastModified time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (c *ConfigGray) Copy() *ConfigGray {
	if c == nil {
		return nil
	}
	nc := *c
	nc.Rule.IPs = slices.Clone(c.Rule.IPs)
	return &nc
}

// AggregateDatum is one unit of an aggregate config. Datums under the same
// key merge by concatenation in DatumID order.
type AggregateDatum struct {
	ConfigKey

	DatumID string
	Content string

	CreateIndex uint64
	ModifyIndex uint64
}

// History op kinds. The per-key sequence forms (I U* D?)*.
const (
	HistoryOpInsert = "I"
	HistoryOpUpdate = "U"
	HistoryOpDelete = "D"
)

// HistoryRecord is an append-only prior-state record for a config key.
type HistoryRecord struct {
	ConfigKey

	// NID is monotonic per key.
	NID uint64

	OpType  string
	Content string
	MD5     string
	Type    string

	// AggregateMerge marks records written by the datum merge path.
	AggregateMerge bool

	SrcUser string
	Created time.Time

	CreateIndex uint64
}

// ConfigFingerprint is what a listener presents: key plus the md5 it
// believes is current. An empty MD5 never matches a live entry.
type ConfigFingerprint struct {
	ConfigKey
	MD5 string
}

type ConfigPublishRequest struct {
	Config ConfigKey

	Content          string
	Type             string
	AppName          string
	EncryptedDataKey string

	// SrcUser is the publishing principal, recorded on the entry and its
	// history records.
	SrcUser string

	// CasMD5, when set, makes the publish conditional on the current md5.
	CasMD5 string

	WriteRequest
}

type ConfigQueryRequest struct {
	Config ConfigKey

	// ClientIP drives gray visibility.
	ClientIP string

	QueryOptions
}

type ConfigQueryResponse struct {
	Entry *ConfigEntry

	// Gray is true when the returned content came from the gray shadow.
	Gray bool

	QueryMeta
}

type ConfigRemoveRequest struct {
	Config ConfigKey

	WriteRequest
}

type ConfigBatchListenRequest struct {
	SessionID string
	ClientIP  string

	// Listen false means remove the listens instead.
	Listen bool

	Fingerprints []ConfigFingerprint

	QueryOptions
}

type ConfigBatchListenResponse struct {
	Changed []ConfigKey

	QueryMeta
}

type ConfigGrayPublishRequest struct {
	Config  ConfigKey
	Content string
	IPs     []string

	WriteRequest
}

type ConfigGrayQueryRequest struct {
	Config ConfigKey

	QueryOptions
}

type ConfigGrayQueryResponse struct {
	Gray *ConfigGray

	QueryMeta
}

type ConfigAggregatePublishRequest struct {
	Config  ConfigKey
	DatumID string
	Content string

	WriteRequest
}

type ConfigAggregateRemoveRequest struct {
	Config  ConfigKey
	DatumID string

	WriteRequest
}

type ConfigHistoryListRequest struct {
	Config ConfigKey

	PageRequest
	QueryOptions
}

type ConfigHistoryListResponse struct {
	Count   int
	Records []*HistoryRecord

	QueryMeta
}

type ConfigHistoryGetRequest struct {
	Config ConfigKey
	NID    uint64

	// Previous asks for the record immediately before NID instead.
	Previous bool

	QueryOptions
}

type ConfigHistoryGetResponse struct {
	Record *HistoryRecord

	QueryMeta
}

type ConfigExportRequest struct {
	Namespace string
	Group     string

	QueryOptions
}

type ConfigExportResponse struct {
	Entries []*ConfigEntry

	QueryMeta
}

type ConfigImportRequest struct {
	Policy  ImportPolicy
	Entries []*ConfigEntry

	WriteRequest
}

type ConfigImportResponse struct {
	Report ImportReport

	WriteMeta
}

// ImportPolicy controls conflict handling on zip import.
type ImportPolicy string

const (
	ImportOverwrite ImportPolicy = "OVERWRITE"
	ImportSkip      ImportPolicy = "SKIP"
	ImportAbort     ImportPolicy = "ABORT"
)

// ImportReport summarizes a zip import.
type ImportReport struct {
	Applied   []ConfigKey
	Skipped   []ConfigKey
	Aborted   bool
	FailedKey *ConfigKey
}
