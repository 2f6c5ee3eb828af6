package gatt

// InvalidHandle is reserved; valid handles are 0x0001-0xFFFF
const InvalidHandle uint16 = 0x0000

// Full handle span of an ATT server
const (
	MinHandle uint16 = 0x0001
	MaxHandle uint16 = 0xFFFF
)

// Well-known GATT attribute types
var (
	// Declarations
	UUIDPrimaryService   = UUID16(0x2800)
	UUIDSecondaryService = UUID16(0x2801)
	UUIDInclude          = UUID16(0x2802)
	UUIDCharacteristic   = UUID16(0x2803)

	// Descriptors
	UUIDCharExtProps               = UUID16(0x2900)
	UUIDCharUserDescription        = UUID16(0x2901)
	UUIDClientCharacteristicConfig = UUID16(0x2902) // CCCD
	UUIDServerCharacteristicConfig = UUID16(0x2903)
	UUIDCharPresentationFormat     = UUID16(0x2904)
	UUIDCharAggregateFormat        = UUID16(0x2905)

	// Generic Attribute service and its Service Changed characteristic
	UUIDGenericAccessService    = UUID16(0x1800)
	UUIDGenericAttributeService = UUID16(0x1801)
	UUIDServiceChanged          = UUID16(0x2A05)
)

// Characteristic Properties (bitmask)
const (
	PropBroadcast                 = 0x01
	PropRead                      = 0x02
	PropWriteWithoutResponse      = 0x04
	PropWrite                     = 0x08
	PropNotify                    = 0x10
	PropIndicate                  = 0x20
	PropAuthenticatedSignedWrites = 0x40
	PropExtendedProperties        = 0x80
)

// Characteristic Extended Properties (bitmask, descriptor 0x2900)
const (
	ExtPropReliableWrite       = 0x0001
	ExtPropWritableAuxiliaries = 0x0002
)

// Attribute permissions as far as a client can infer them from properties
const (
	PermReadable = 0x01
	PermWritable = 0x02
)

// permissionsFromProperties derives client-side permissions for a value attribute
func permissionsFromProperties(props uint8) uint8 {
	var perm uint8
	if props&PropRead != 0 {
		perm |= PermReadable
	}
	if props&(PropWrite|PropWriteWithoutResponse|PropAuthenticatedSignedWrites) != 0 {
		perm |= PermWritable
	}
	return perm
}

// propertyNames lists the property bits in display order
var propertyNames = []struct {
	bit  uint8
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "authenticated-signed-writes"},
	{PropExtendedProperties, "extended-properties"},
}

// PropertyNames returns the names of the set property bits
func PropertyNames(props uint8) []string {
	var names []string
	for _, p := range propertyNames {
		if props&p.bit != 0 {
			names = append(names, p.name)
		}
	}
	return names
}
