package domain

type Device struct {
	Id           string
	Name         string
	Version      string
	Model        string
	Manufacturer string
	ViaDevice    string
}

type GenericSensor struct {
	Device            Device
	Id                string
	SensorType        string // sensor, binary_sensor
	Name              string
	UniqueId          string
	UnitOfMeasurement string
	StateClass        string // measurement, total_increasing
	DeviceClass       string // battery, voltage, temperature, connectivity
	EntityCategory    string // diagnostic, config, nil
	EnabledByDefault  *bool
	Icon              string
}

// GenericCover is a position-controllable shade.
type GenericCover struct {
	Device      Device
	Id          string
	Name        string
	UniqueId    string
	DeviceClass string // shade, blind, curtain
}

type GenericButton struct {
	Device         Device
	Id             string
	Name           string
	UniqueId       string
	Action         CommandKind
	EntityCategory string
	Icon           string
}
