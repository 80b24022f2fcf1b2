package tables

// ColumnKind classifies how a column is stored.
type ColumnKind uint8

// Column kinds.
const (
	KindU8 ColumnKind = iota
	KindU16
	KindU32
	KindString // #Strings index
	KindGUID   // #GUID index
	KindBlob   // #Blob index
	KindTable  // simple index into one table
	KindCoded  // coded index
)

// ColumnType describes the storage of one column.
type ColumnType struct {
	Kind  ColumnKind
	Table TableIndex     // KindTable
	Coded CodedIndexKind // KindCoded
}

// Column is a named column of a table schema.
type Column struct {
	Name string
	Type ColumnType
}

// Schema describes the columns of a table. SortKey is the column rows are
// ordered by, or -1 for unsorted tables.
type Schema struct {
	Name    string
	Columns []Column
	SortKey int
}

// Sorted reports whether the table keeps its rows ordered.
func (s Schema) Sorted() bool { return s.SortKey >= 0 }

// Column returns the position of the named column, or -1.
func (s Schema) Column(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func u8(name string) Column  { return Column{name, ColumnType{Kind: KindU8}} }
func u16(name string) Column { return Column{name, ColumnType{Kind: KindU16}} }
func u32(name string) Column { return Column{name, ColumnType{Kind: KindU32}} }
func str(name string) Column { return Column{name, ColumnType{Kind: KindString}} }
func guid(name string) Column {
	return Column{name, ColumnType{Kind: KindGUID}}
}
func blob(name string) Column { return Column{name, ColumnType{Kind: KindBlob}} }
func idx(name string, t TableIndex) Column {
	return Column{name, ColumnType{Kind: KindTable, Table: t}}
}
func coded(name string, k CodedIndexKind) Column {
	return Column{name, ColumnType{Kind: KindCoded, Coded: k}}
}

func unsorted(name string, cols ...Column) Schema {
	return Schema{Name: name, Columns: cols, SortKey: -1}
}

func sorted(name string, key int, cols ...Column) Schema {
	return Schema{Name: name, Columns: cols, SortKey: key}
}

// Schemas lists the layout of every table, ECMA-335 II.22.
var Schemas = [NumTables]Schema{
	Module: unsorted("Module",
		u16("Generation"), str("Name"), guid("Mvid"), guid("EncId"), guid("EncBaseId")),
	TypeRef: unsorted("TypeRef",
		coded("ResolutionScope", ResolutionScope), str("TypeName"), str("TypeNamespace")),
	TypeDef: unsorted("TypeDef",
		u32("Flags"), str("TypeName"), str("TypeNamespace"), coded("Extends", TypeDefOrRef),
		idx("FieldList", Field), idx("MethodList", MethodDef)),
	FieldPtr: unsorted("FieldPtr", idx("Field", Field)),
	Field: unsorted("Field",
		u16("Flags"), str("Name"), blob("Signature")),
	MethodPtr: unsorted("MethodPtr", idx("Method", MethodDef)),
	MethodDef: unsorted("MethodDef",
		u32("RVA"), u16("ImplFlags"), u16("Flags"), str("Name"), blob("Signature"), idx("ParamList", Param)),
	ParamPtr: unsorted("ParamPtr", idx("Param", Param)),
	Param: unsorted("Param",
		u16("Flags"), u16("Sequence"), str("Name")),
	InterfaceImpl: sorted("InterfaceImpl", 0,
		idx("Class", TypeDef), coded("Interface", TypeDefOrRef)),
	MemberRef: unsorted("MemberRef",
		coded("Class", MemberRefParent), str("Name"), blob("Signature")),
	Constant: sorted("Constant", 2,
		u8("Type"), u8("Padding"), coded("Parent", HasConstant), blob("Value")),
	CustomAttribute: sorted("CustomAttribute", 0,
		coded("Parent", HasCustomAttribute), coded("Type", CustomAttributeType), blob("Value")),
	FieldMarshal: sorted("FieldMarshal", 0,
		coded("Parent", HasFieldMarshal), blob("NativeType")),
	DeclSecurity: sorted("DeclSecurity", 1,
		u16("Action"), coded("Parent", HasDeclSecurity), blob("PermissionSet")),
	ClassLayout: sorted("ClassLayout", 2,
		u16("PackingSize"), u32("ClassSize"), idx("Parent", TypeDef)),
	FieldLayout: sorted("FieldLayout", 1,
		u32("Offset"), idx("Field", Field)),
	StandAloneSig: unsorted("StandAloneSig", blob("Signature")),
	EventMap: unsorted("EventMap",
		idx("Parent", TypeDef), idx("EventList", Event)),
	EventPtr: unsorted("EventPtr", idx("Event", Event)),
	Event: unsorted("Event",
		u16("EventFlags"), str("Name"), coded("EventType", TypeDefOrRef)),
	PropertyMap: unsorted("PropertyMap",
		idx("Parent", TypeDef), idx("PropertyList", Property)),
	PropertyPtr: unsorted("PropertyPtr", idx("Property", Property)),
	Property: unsorted("Property",
		u16("Flags"), str("Name"), blob("Type")),
	MethodSemantics: sorted("MethodSemantics", 2,
		u16("Semantics"), idx("Method", MethodDef), coded("Association", HasSemantics)),
	MethodImpl: sorted("MethodImpl", 0,
		idx("Class", TypeDef), coded("MethodBody", MethodDefOrRef), coded("MethodDeclaration", MethodDefOrRef)),
	ModuleRef: unsorted("ModuleRef", str("Name")),
	TypeSpec:  unsorted("TypeSpec", blob("Signature")),
	ImplMap: sorted("ImplMap", 1,
		u16("MappingFlags"), coded("MemberForwarded", MemberForwarded), str("ImportName"), idx("ImportScope", ModuleRef)),
	FieldRVA: sorted("FieldRVA", 1,
		u32("RVA"), idx("Field", Field)),
	EncLog: unsorted("EncLog", u32("Token"), u32("FuncCode")),
	EncMap: unsorted("EncMap", u32("Token")),
	Assembly: unsorted("Assembly",
		u32("HashAlgId"), u16("MajorVersion"), u16("MinorVersion"), u16("BuildNumber"), u16("RevisionNumber"),
		u32("Flags"), blob("PublicKey"), str("Name"), str("Culture")),
	AssemblyProcessor: unsorted("AssemblyProcessor", u32("Processor")),
	AssemblyOS: unsorted("AssemblyOS",
		u32("OSPlatformID"), u32("OSMajorVersion"), u32("OSMinorVersion")),
	AssemblyRef: unsorted("AssemblyRef",
		u16("MajorVersion"), u16("MinorVersion"), u16("BuildNumber"), u16("RevisionNumber"),
		u32("Flags"), blob("PublicKeyOrToken"), str("Name"), str("Culture"), blob("HashValue")),
	AssemblyRefProcessor: unsorted("AssemblyRefProcessor",
		u32("Processor"), idx("AssemblyRef", AssemblyRef)),
	AssemblyRefOS: unsorted("AssemblyRefOS",
		u32("OSPlatformID"), u32("OSMajorVersion"), u32("OSMinorVersion"), idx("AssemblyRef", AssemblyRef)),
	File: unsorted("File",
		u32("Flags"), str("Name"), blob("HashValue")),
	ExportedType: unsorted("ExportedType",
		u32("Flags"), u32("TypeDefId"), str("TypeName"), str("TypeNamespace"), coded("Implementation", Implementation)),
	ManifestResource: unsorted("ManifestResource",
		u32("Offset"), u32("Flags"), str("Name"), coded("Implementation", Implementation)),
	NestedClass: sorted("NestedClass", 0,
		idx("NestedClass", TypeDef), idx("EnclosingClass", TypeDef)),
	GenericParam: sorted("GenericParam", 2,
		u16("Number"), u16("Flags"), coded("Owner", TypeOrMethodDef), str("Name")),
	MethodSpec: unsorted("MethodSpec",
		coded("Method", MethodDefOrRef), blob("Instantiation")),
	GenericParamConstraint: sorted("GenericParamConstraint", 0,
		idx("Owner", GenericParam), coded("Constraint", TypeDefOrRef)),
}

// SortedMask returns the bit vector of tables that are kept sorted, as
// stored in the Sorted field of the tables stream header.
func SortedMask() uint64 {
	var m uint64
	for i, s := range Schemas {
		if s.Sorted() {
			m |= 1 << uint(i)
		}
	}
	return m
}
