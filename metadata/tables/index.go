// Package tables implements the metadata tables stream (#~ and #-): the
// ECMA-335 table schema, coded indices, row storage with the sorted-table
// invariant, a lazy reader and a writer.
package tables

import "fmt"

// TableIndex identifies a metadata table.
type TableIndex uint8

// Metadata tables, ECMA-335 II.22.
const (
	Module TableIndex = iota
	TypeRef
	TypeDef
	FieldPtr
	Field
	MethodPtr
	MethodDef
	ParamPtr
	Param
	InterfaceImpl
	MemberRef
	Constant
	CustomAttribute
	FieldMarshal
	DeclSecurity
	ClassLayout
	FieldLayout
	StandAloneSig
	EventMap
	EventPtr
	Event
	PropertyMap
	PropertyPtr
	Property
	MethodSemantics
	MethodImpl
	ModuleRef
	TypeSpec
	ImplMap
	FieldRVA
	EncLog
	EncMap
	Assembly
	AssemblyProcessor
	AssemblyOS
	AssemblyRef
	AssemblyRefProcessor
	AssemblyRefOS
	File
	ExportedType
	ManifestResource
	NestedClass
	GenericParam
	MethodSpec
	GenericParamConstraint

	// NumTables is the number of defined tables.
	NumTables = int(GenericParamConstraint) + 1

	// NoTable marks an unused tag in a coded index.
	NoTable TableIndex = 0xFF

	// UserString is the token type of #US heap references.
	UserString TableIndex = 0x70
)

// String returns the table name.
func (t TableIndex) String() string {
	if int(t) < NumTables {
		return Schemas[t].Name
	}
	if t == UserString {
		return "UserString"
	}
	return fmt.Sprintf("Table(0x%02x)", uint8(t))
}

// Valid reports whether t names a defined table.
func (t TableIndex) Valid() bool { return int(t) < NumTables }

// Token is a table index in the top byte combined with a 1-based row
// identifier in the lower 24 bits.
type Token uint32

// NewToken builds a token for row rid of table t.
func NewToken(t TableIndex, rid uint32) Token {
	return Token(uint32(t)<<24 | rid&0x00FFFFFF)
}

// Table returns the table the token refers to.
func (t Token) Table() TableIndex { return TableIndex(t >> 24) }

// RID returns the 1-based row identifier.
func (t Token) RID() uint32 { return uint32(t) & 0x00FFFFFF }

// IsNil reports whether the token has a zero row identifier.
func (t Token) IsNil() bool { return t.RID() == 0 }

func (t Token) String() string {
	return fmt.Sprintf("%s[%d] (0x%08x)", t.Table(), t.RID(), uint32(t))
}
