package tables

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrNotInCodedIndex is returned when a table cannot be referenced through
// a coded index kind.
var ErrNotInCodedIndex = errors.New("tables: table not allowed in coded index")

// CodedIndexKind selects one of the coded index encodings of ECMA-335
// II.24.2.6.
type CodedIndexKind uint8

// Coded index kinds.
const (
	TypeDefOrRef CodedIndexKind = iota
	HasConstant
	HasCustomAttribute
	HasFieldMarshal
	HasDeclSecurity
	MemberRefParent
	HasSemantics
	MethodDefOrRef
	MemberForwarded
	Implementation
	CustomAttributeType
	ResolutionScope
	TypeOrMethodDef

	numCodedIndexKinds = int(TypeOrMethodDef) + 1
)

type codedIndexInfo struct {
	name    string
	tagBits uint
	tables  []TableIndex
}

var codedIndices = [numCodedIndexKinds]codedIndexInfo{
	TypeDefOrRef:    {"TypeDefOrRef", 0, []TableIndex{TypeDef, TypeRef, TypeSpec}},
	HasConstant:     {"HasConstant", 0, []TableIndex{Field, Param, Property}},
	HasFieldMarshal: {"HasFieldMarshal", 0, []TableIndex{Field, Param}},
	HasDeclSecurity: {"HasDeclSecurity", 0, []TableIndex{TypeDef, MethodDef, Assembly}},
	HasCustomAttribute: {"HasCustomAttribute", 0, []TableIndex{
		MethodDef, Field, TypeRef, TypeDef, Param, InterfaceImpl, MemberRef, Module,
		DeclSecurity, Property, Event, StandAloneSig, ModuleRef, TypeSpec, Assembly,
		AssemblyRef, File, ExportedType, ManifestResource, GenericParam,
		GenericParamConstraint, MethodSpec,
	}},
	MemberRefParent:     {"MemberRefParent", 0, []TableIndex{TypeDef, TypeRef, ModuleRef, MethodDef, TypeSpec}},
	HasSemantics:        {"HasSemantics", 0, []TableIndex{Event, Property}},
	MethodDefOrRef:      {"MethodDefOrRef", 0, []TableIndex{MethodDef, MemberRef}},
	MemberForwarded:     {"MemberForwarded", 0, []TableIndex{Field, MethodDef}},
	Implementation:      {"Implementation", 0, []TableIndex{File, AssemblyRef, ExportedType}},
	CustomAttributeType: {"CustomAttributeType", 0, []TableIndex{NoTable, NoTable, MethodDef, MemberRef, NoTable}},
	ResolutionScope:     {"ResolutionScope", 0, []TableIndex{Module, ModuleRef, AssemblyRef, TypeRef}},
	TypeOrMethodDef:     {"TypeOrMethodDef", 0, []TableIndex{TypeDef, MethodDef}},
}

func init() {
	for i := range codedIndices {
		n := len(codedIndices[i].tables)
		codedIndices[i].tagBits = uint(bits.Len(uint(n - 1)))
	}
}

// String returns the name of the coded index kind.
func (k CodedIndexKind) String() string {
	if int(k) < numCodedIndexKinds {
		return codedIndices[k].name
	}
	return fmt.Sprintf("CodedIndexKind(%d)", uint8(k))
}

// TagBits returns the number of low bits used for the table tag.
func (k CodedIndexKind) TagBits() uint { return codedIndices[k].tagBits }

// Tables returns the tables the kind can reference, in tag order. Unused
// tags are NoTable.
func (k CodedIndexKind) Tables() []TableIndex { return codedIndices[k].tables }

// Encode packs a reference to row rid of table t.
func (k CodedIndexKind) Encode(t TableIndex, rid uint32) (uint32, error) {
	info := codedIndices[k]
	for tag, ti := range info.tables {
		if ti == t && t != NoTable {
			return rid<<info.tagBits | uint32(tag), nil
		}
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrNotInCodedIndex, t, k)
}

// EncodeToken packs a token. A nil token encodes as 0.
func (k CodedIndexKind) EncodeToken(tok Token) (uint32, error) {
	if tok == 0 {
		return 0, nil
	}
	return k.Encode(tok.Table(), tok.RID())
}

// Decode unpacks a coded index value. It reports false for unused or
// out-of-range tags.
func (k CodedIndexKind) Decode(v uint32) (Token, bool) {
	info := codedIndices[k]
	tag := v & (1<<info.tagBits - 1)
	if int(tag) >= len(info.tables) || info.tables[tag] == NoTable {
		return 0, false
	}
	return NewToken(info.tables[tag], v>>info.tagBits), true
}
