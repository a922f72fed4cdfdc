package bambu

// NozzleRange is a default nozzle temperature range for a material.
type NozzleRange struct {
	Min, Max int
}

// defaultNozzleRange resolves spec.md §9's open question: the source
// material-to-temperature tables disagreed across printers/presets, so this
// adopts the most common set observed and keeps it as a plain, overridable
// map rather than inlining numbers at each call site.
var defaultNozzleRange = map[string]NozzleRange{
	"PLA":      {190, 230},
	"PETG":     {230, 260},
	"ABS":      {240, 270},
	"ASA":      {240, 270},
	"TPU":      {220, 250},
	"PA":       {260, 290},
	"PA-CF":    {270, 300},
	"PC":       {260, 280},
	"PVA":      {190, 210},
	"SUPPORT":  {190, 220},
}

// DefaultNozzleRange returns the tunable default nozzle temperature range
// for a material keyword, and false if the material is unrecognized.
func DefaultNozzleRange(material string) (NozzleRange, bool) {
	r, ok := defaultNozzleRange[material]
	return r, ok
}

// SetDefaultNozzleRange overrides or adds an entry to the default table,
// for deployments whose printers disagree with the built-in defaults.
func SetDefaultNozzleRange(material string, r NozzleRange) {
	defaultNozzleRange[material] = r
}
