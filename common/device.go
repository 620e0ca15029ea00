package common

import "fmt"

// DeviceRole identifies which side of a classroom session a device plays
type DeviceRole string

const (
	// RoleTeacher advertises and shares content
	RoleTeacher DeviceRole = "teacher"
	// RoleStudent discovers teachers and receives content
	RoleStudent DeviceRole = "student"
)

// Device is a peer seen on the local network
type Device struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Address   string     `json:"address"`
	Role      DeviceRole `json:"role,omitempty"`
	Connected bool       `json:"connected"`
	Paired    bool       `json:"paired"`
}

// String returns a short human readable form of the device
func (d Device) String() string {
	if d.Name == "" {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// Permission names a capability the host platform must grant before use
type Permission string

const (
	// PermissionScan allows discovering nearby devices
	PermissionScan Permission = "scan"
	// PermissionConnect allows opening sessions to peers
	PermissionConnect Permission = "connect"
	// PermissionAdvertise allows announcing this device to peers
	PermissionAdvertise Permission = "advertise"
	// PermissionMediaRead allows reading local media files
	PermissionMediaRead Permission = "media_read"
)

// Permissions is the set of pre-flight grants supplied by the host
type Permissions struct {
	Scan      bool `json:"scan" mapstructure:"scan"`
	Connect   bool `json:"connect" mapstructure:"connect"`
	Advertise bool `json:"advertise" mapstructure:"advertise"`
	MediaRead bool `json:"media_read" mapstructure:"media_read"`
}

// AllPermissions grants every capability
func AllPermissions() Permissions {
	return Permissions{Scan: true, Connect: true, Advertise: true, MediaRead: true}
}

// Granted reports whether p is in the set
func (p Permissions) Granted(perm Permission) bool {
	switch perm {
	case PermissionScan:
		return p.Scan
	case PermissionConnect:
		return p.Connect
	case PermissionAdvertise:
		return p.Advertise
	case PermissionMediaRead:
		return p.MediaRead
	default:
		return false
	}
}
