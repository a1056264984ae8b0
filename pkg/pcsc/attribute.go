package pcsc

import "strings"

// Attribute identifies a reader or card attribute for GetAttribute and
// SetAttribute. Values are SCARD_ATTR_VALUE(class, tag).
type Attribute uint32

const (
	classVendorInfo     = 1
	classCommunications = 2
	classProtocol       = 3
	classPowerMgmt      = 4
	classSecurity       = 5
	classMechanical     = 6
	classVendorDefined  = 7
	classIFDProtocol    = 8
	classICCState       = 9
	classSystem         = 0
)

func attr(class, tag uint32) Attribute {
	return Attribute(class<<16 | tag)
}

var (
	AttrVendorName           = attr(classVendorInfo, 0x0100)
	AttrVendorIFDType        = attr(classVendorInfo, 0x0101)
	AttrVendorIFDVersion     = attr(classVendorInfo, 0x0102)
	AttrVendorIFDSerialNo    = attr(classVendorInfo, 0x0103)
	AttrChannelID            = attr(classCommunications, 0x0110)
	AttrAsyncProtocolTypes   = attr(classProtocol, 0x0120)
	AttrDefaultClk           = attr(classProtocol, 0x0121)
	AttrMaxClk               = attr(classProtocol, 0x0122)
	AttrDefaultDataRate      = attr(classProtocol, 0x0123)
	AttrMaxDataRate          = attr(classProtocol, 0x0124)
	AttrMaxIFSD              = attr(classProtocol, 0x0125)
	AttrSyncProtocolTypes    = attr(classProtocol, 0x0126)
	AttrPowerMgmtSupport     = attr(classPowerMgmt, 0x0131)
	AttrUserToCardAuthDevice = attr(classSecurity, 0x0140)
	AttrUserAuthInputDevice  = attr(classSecurity, 0x0142)
	AttrCharacteristics      = attr(classMechanical, 0x0150)
	AttrCurrentProtocolType  = attr(classIFDProtocol, 0x0201)
	AttrCurrentClk           = attr(classIFDProtocol, 0x0202)
	AttrCurrentF             = attr(classIFDProtocol, 0x0203)
	AttrCurrentD             = attr(classIFDProtocol, 0x0204)
	AttrCurrentN             = attr(classIFDProtocol, 0x0205)
	AttrCurrentW             = attr(classIFDProtocol, 0x0206)
	AttrCurrentIFSC          = attr(classIFDProtocol, 0x0207)
	AttrCurrentIFSD          = attr(classIFDProtocol, 0x0208)
	AttrCurrentBWT           = attr(classIFDProtocol, 0x0209)
	AttrCurrentCWT           = attr(classIFDProtocol, 0x020A)
	AttrCurrentEBCEncoding   = attr(classIFDProtocol, 0x020B)
	AttrExtendedBWT          = attr(classIFDProtocol, 0x020C)
	AttrICCPresence          = attr(classICCState, 0x0300)
	AttrICCInterfaceStatus   = attr(classICCState, 0x0301)
	AttrCurrentIOState       = attr(classICCState, 0x0302)
	AttrATRString            = attr(classICCState, 0x0303)
	AttrICCTypePerATR        = attr(classICCState, 0x0304)
	AttrEscReset             = attr(classVendorDefined, 0xA000)
	AttrEscCancel            = attr(classVendorDefined, 0xA003)
	AttrEscAuthRequest       = attr(classVendorDefined, 0xA005)
	AttrMaxInput             = attr(classVendorDefined, 0xA007)
	AttrDeviceUnit           = attr(classSystem, 0x0001)
	AttrDeviceInUse          = attr(classSystem, 0x0002)
	AttrDeviceFriendlyName   = attr(classSystem, 0x0003)
	AttrDeviceSystemName     = attr(classSystem, 0x0004)
	AttrDeviceFriendlyNameW  = attr(classSystem, 0x0005)
	AttrDeviceSystemNameW    = attr(classSystem, 0x0006)
	AttrSupressT1IFSRequest  = attr(classSystem, 0x0007)
)

var attributeNames = map[string]Attribute{
	"vendor_name":              AttrVendorName,
	"vendor_ifd_type":          AttrVendorIFDType,
	"vendor_ifd_version":       AttrVendorIFDVersion,
	"vendor_ifd_serial_no":     AttrVendorIFDSerialNo,
	"channel_id":               AttrChannelID,
	"async_protocol_types":     AttrAsyncProtocolTypes,
	"default_clk":              AttrDefaultClk,
	"max_clk":                  AttrMaxClk,
	"default_data_rate":        AttrDefaultDataRate,
	"max_data_rate":            AttrMaxDataRate,
	"max_ifsd":                 AttrMaxIFSD,
	"sync_protocol_types":      AttrSyncProtocolTypes,
	"power_mgmt_support":       AttrPowerMgmtSupport,
	"user_to_card_auth_device": AttrUserToCardAuthDevice,
	"user_auth_input_device":   AttrUserAuthInputDevice,
	"characteristics":          AttrCharacteristics,
	"current_protocol_type":    AttrCurrentProtocolType,
	"current_clk":              AttrCurrentClk,
	"current_f":                AttrCurrentF,
	"current_d":                AttrCurrentD,
	"current_n":                AttrCurrentN,
	"current_w":                AttrCurrentW,
	"current_ifsc":             AttrCurrentIFSC,
	"current_ifsd":             AttrCurrentIFSD,
	"current_bwt":              AttrCurrentBWT,
	"current_cwt":              AttrCurrentCWT,
	"current_ebc_encoding":     AttrCurrentEBCEncoding,
	"extended_bwt":             AttrExtendedBWT,
	"icc_presence":             AttrICCPresence,
	"icc_interface_status":     AttrICCInterfaceStatus,
	"current_io_state":         AttrCurrentIOState,
	"atr_string":               AttrATRString,
	"icc_type_per_atr":         AttrICCTypePerATR,
	"esc_reset":                AttrEscReset,
	"esc_cancel":               AttrEscCancel,
	"esc_auth_request":         AttrEscAuthRequest,
	"max_input":                AttrMaxInput,
	"device_unit":              AttrDeviceUnit,
	"device_in_use":            AttrDeviceInUse,
	"device_friendly_name":     AttrDeviceFriendlyName,
	"device_system_name":       AttrDeviceSystemName,
	"device_friendly_name_w":   AttrDeviceFriendlyNameW,
	"device_system_name_w":     AttrDeviceSystemNameW,
	"supress_t1_ifs_request":   AttrSupressT1IFSRequest,
}

// ParseAttribute looks an attribute up by its snake_case name
// ("atr_string", "vendor_name", ...).
func ParseAttribute(name string) (Attribute, bool) {
	a, ok := attributeNames[strings.ToLower(name)]
	return a, ok
}

// AttributeNames returns every name ParseAttribute accepts.
func AttributeNames() []string {
	out := make([]string, 0, len(attributeNames))
	for n := range attributeNames {
		out = append(out, n)
	}
	return out
}

func (a Attribute) String() string {
	for n, v := range attributeNames {
		if v == a {
			return n
		}
	}
	return "unknown"
}
