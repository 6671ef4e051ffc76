package program

import "fmt"

// ResourceLimitCategory selects one of the pre-created resource limits.
type ResourceLimitCategory uint8

const (
	CategoryApplication ResourceLimitCategory = iota
	CategorySystemApplet
	CategoryLibraryApplet
	CategoryOther
)

// NumCategories is the number of resource-limit categories with a
// pre-created limit object.
const NumCategories = 4

func (c ResourceLimitCategory) String() string {
	switch c {
	case CategoryApplication:
		return "application"
	case CategorySystemApplet:
		return "system_applet"
	case CategoryLibraryApplet:
		return "library_applet"
	case CategoryOther:
		return "other"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// UnmarshalText lets manifests name the category.
func (c *ResourceLimitCategory) UnmarshalText(b []byte) error {
	switch string(b) {
	case "application", "":
		*c = CategoryApplication
	case "system_applet":
		*c = CategorySystemApplet
	case "library_applet":
		*c = CategoryLibraryApplet
	case "other":
		*c = CategoryOther
	default:
		var v uint8
		if _, err := fmt.Sscanf(string(b), "%d", &v); err != nil {
			return fmt.Errorf("unknown resource limit category %q", b)
		}
		*c = ResourceLimitCategory(v)
	}
	return nil
}

func (c ResourceLimitCategory) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// CoreInfo carries the scheduling hints declared by a program.
type CoreInfo struct {
	CoreVersion      uint32                `json:"core_version" yaml:"core_version"`
	AffinityMask     uint8                 `json:"affinity_mask" yaml:"affinity_mask"`
	IdealProcessor   int32                 `json:"ideal_processor" yaml:"ideal_processor"`
	Priority         int32                 `json:"priority" yaml:"priority"`
	StackSize        uint32                `json:"stack_size" yaml:"stack_size"`
	ResourceCategory ResourceLimitCategory `json:"resource_limit_category" yaml:"resource_limit_category"`
	// CPUTime is the raw CPU-time descriptor: low 7 bits are the share,
	// bit 7 selects the exclusive scheduling mode. Zero defers to policy.
	CPUTime uint8 `json:"cpu_time" yaml:"cpu_time"`
}

// StorageInfo is handed verbatim to the storage-access registrar.
type StorageInfo struct {
	ExtSaveDataID    uint64   `json:"ext_save_data_id,omitempty" yaml:"ext_save_data_id,omitempty"`
	SystemSaveData   []uint32 `json:"system_save_data,omitempty" yaml:"system_save_data,omitempty"`
	StorageAccessors []uint64 `json:"storage_accessors,omitempty" yaml:"storage_accessors,omitempty"`
	AccessInfo       uint64   `json:"access_info,omitempty" yaml:"access_info,omitempty"`
}

// SystemFlags is the codeset flag word reported by GetProgramFlags.
type SystemFlags uint8

const (
	FlagCompressedCode SystemFlags = 1 << 0
	FlagSDApplication  SystemFlags = 1 << 1
)

// MaxServices is the size of the service-access list.
const MaxServices = 34

// MaxServiceName is the longest service name the access list can hold.
const MaxServiceName = 8

// Metadata is what the loader reports for a registered program.
type Metadata struct {
	TitleID      uint64      `json:"title_id" yaml:"title_id"`
	Name         string      `json:"name" yaml:"name"`
	Core         CoreInfo    `json:"core" yaml:"core"`
	Services     []string    `json:"services,omitempty" yaml:"services,omitempty"`
	Storage      StorageInfo `json:"storage,omitempty" yaml:"storage,omitempty"`
	Dependencies []uint64    `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Flags        SystemFlags `json:"flags,omitempty" yaml:"flags,omitempty"`

	// Path, Args and Env describe the executable for host-backed kernels.
	Path string   `json:"path,omitempty" yaml:"path,omitempty"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env  []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Clone returns a deep copy; the launch path edits the service list.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Services = append([]string(nil), m.Services...)
	c.Dependencies = append([]uint64(nil), m.Dependencies...)
	c.Storage.SystemSaveData = append([]uint32(nil), m.Storage.SystemSaveData...)
	c.Storage.StorageAccessors = append([]uint64(nil), m.Storage.StorageAccessors...)
	c.Args = append([]string(nil), m.Args...)
	c.Env = append([]string(nil), m.Env...)
	return &c
}

// Validate checks the fixed-size limits of the header format.
func (m *Metadata) Validate() error {
	if len(m.Services) > MaxServices {
		return fmt.Errorf("program %016x: %d services, at most %d allowed", m.TitleID, len(m.Services), MaxServices)
	}
	for _, s := range m.Services {
		if s == "" || len(s) > MaxServiceName {
			return fmt.Errorf("program %016x: invalid service name %q", m.TitleID, s)
		}
	}
	return nil
}
