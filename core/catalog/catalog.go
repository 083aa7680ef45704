// Package catalog defines the external catalog interface the lock manager
// and a future executor consume. A concrete catalog implementation (schema
// storage, table heaps, the SQL frontend) is out of this engine's scope;
// only the shapes other in-scope components reference are declared here.
package catalog

import "github.com/relicdb/enginecore/core/storage/page"

// TableOID identifies a table. Lock requests and lock sets are keyed by
// this type: the lock manager holds one queue per table oid.
type TableOID uint32

// KeyWidth is a fixed-width index key size, used in place of runtime
// polymorphism over index key types.
type KeyWidth int

const (
	KeyWidth4  KeyWidth = 4
	KeyWidth8  KeyWidth = 8
	KeyWidth16 KeyWidth = 16
	KeyWidth32 KeyWidth = 32
	KeyWidth64 KeyWidth = 64
)

// TableInfo carries a table's schema name, heap pointer, and oid. Schema
// and the table heap are external interfaces themselves, so they are
// carried as opaque identifiers here rather than modeled in full.
type TableInfo struct {
	OID           TableOID
	Name          string
	SchemaName    string
	HeapFirstPage page.ID
}

// IndexInfo exposes a key schema name, the key-attribute vector, the
// index's fixed key width (the tagged-variant substitute for an erased
// pointer), and the underlying page id the index's root lives at.
type IndexInfo struct {
	Name          string
	TableOID      TableOID
	KeySchemaName string
	KeyAttrs      []int
	KeyWidth      KeyWidth
	RootPageID    page.ID
}

// Catalog is the consumed-not-owned external interface: get_table and
// get_table_indexes. Implementations live outside this engine (schema/DDL
// management, the SQL frontend); this engine only needs the shape to let
// the lock manager and a future executor resolve table/index metadata.
type Catalog interface {
	GetTable(oidOrName any) (TableInfo, bool)
	GetTableIndexes(tableName string) []IndexInfo
}
