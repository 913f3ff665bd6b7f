package model

type SensorKind string

func (sk SensorKind) String() string {
	return string(sk)
}

const (
	CurrentPrice SensorKind = "current_price"
	NextPrice    SensorKind = "next_price"
	Renewables   SensorKind = "renewables"
	Descriptor   SensorKind = "descriptor"
)

// SensorKinds is the per channel sensor set, in display order.
var SensorKinds = []SensorKind{
	CurrentPrice,
	NextPrice,
	Renewables,
	Descriptor,
}

// Title is the suffix used in sensor display names.
func (sk SensorKind) Title() string {
	switch sk {
	case CurrentPrice:
		return "Current Price"
	case NextPrice:
		return "Next Price"
	case Renewables:
		return "Renewables"
	case Descriptor:
		return "Descriptor"
	}
	return string(sk)
}

func (sk SensorKind) Icon() string {
	switch sk {
	case CurrentPrice:
		return "mdi:currency-usd"
	case NextPrice:
		return "mdi:currency-usd-clock"
	case Renewables:
		return "mdi:leaf"
	}
	return "mdi:information"
}

func (sk SensorKind) Unit() NumericUnit {
	switch sk {
	case CurrentPrice, NextPrice:
		return NumericUnitCentsPerKiloWattHour
	case Renewables:
		return NumericUnitPercent
	}
	return ""
}

type NumericUnit string

const (
	NumericUnitCentsPerKiloWattHour NumericUnit = "c/kWh"
	NumericUnitPercent              NumericUnit = "%"
)

type (
	TextSensor  string
	TextSensorz []TextSensor
)

const DescriptorTextSensor TextSensor = TextSensor(Descriptor)

func (t TextSensor) String() string {
	return string(t)
}

func (ts TextSensorz) HasSlug(slug string) bool {
	for _, t := range ts {
		if t.String() == slug {
			return true
		}
	}
	return false
}

var TextSensors TextSensorz = TextSensorz{
	DescriptorTextSensor,
}
