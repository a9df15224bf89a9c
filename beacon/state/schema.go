// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	tableIndex      = "index"
	tableServices   = "services"
	tableInstances  = "instances"
	tableConfigs    = "configs"
	tableGrays      = "config_grays"
	tableAggregates = "config_aggregates"
	tableHistory    = "config_history"
	tableUsers      = "users"
	tableRoles      = "role_bindings"
	tablePerms      = "permissions"
	tableNamespaces = "namespaces"
)

// stateStoreSchema is the memdb schema for the in-memory state plane.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	schemas := []func() *memdb.TableSchema{
		indexTableSchema,
		serviceTableSchema,
		instanceTableSchema,
		configTableSchema,
		grayTableSchema,
		aggregateTableSchema,
		historyTableSchema,
		userTableSchema,
		roleTableSchema,
		permTableSchema,
		namespaceTableSchema,
	}
	for _, fn := range schemas {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema tracks the latest index per table, mirroring the commit
// index attached to change events.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "Key", Lowercase: true},
			},
		},
	}
}

func serviceTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableServices,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Namespace"},
						&memdb.StringFieldIndex{Field: "Group"},
						&memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

func instanceTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableInstances,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Namespace"},
						&memdb.StringFieldIndex{Field: "Group"},
						&memdb.StringFieldIndex{Field: "Service"},
						&memdb.StringFieldIndex{Field: "HostPort"},
					},
				},
			},
			"session": {
				Name:         "session",
				AllowMissing: true,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "SessionID"},
			},
		},
	}
}

func configTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableConfigs,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Namespace"},
						&memdb.StringFieldIndex{Field: "Group"},
						&memdb.StringFieldIndex{Field: "DataID"},
					},
				},
			},
		},
	}
}

func grayTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableGrays,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Namespace"},
						&memdb.StringFieldIndex{Field: "Group"},
						&memdb.StringFieldIndex{Field: "DataID"},
					},
				},
			},
		},
	}
}

func aggregateTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableAggregates,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Namespace"},
						&memdb.StringFieldIndex{Field: "Group"},
						&memdb.StringFieldIndex{Field: "DataID"},
						&memdb.StringFieldIndex{Field: "DatumID"},
					},
				},
			},
		},
	}
}

func historyTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableHistory,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Namespace"},
						&memdb.StringFieldIndex{Field: "Group"},
						&memdb.StringFieldIndex{Field: "DataID"},
						&memdb.UintFieldIndex{Field: "NID"},
					},
				},
			},
		},
	}
}

func userTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableUsers,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "Username"},
			},
		},
	}
}

func roleTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableRoles,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Role"},
						&memdb.StringFieldIndex{Field: "Username"},
					},
				},
			},
			"user": {
				Name:    "user",
				Unique:  false,
				Indexer: &memdb.StringFieldIndex{Field: "Username"},
			},
		},
	}
}

func permTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tablePerms,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Role"},
						&memdb.StringFieldIndex{Field: "Resource"},
						&memdb.StringFieldIndex{Field: "Action"},
					},
				},
			},
		},
	}
}

func namespaceTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableNamespaces,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}
