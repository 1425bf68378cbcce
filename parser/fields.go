package parser

import (
	"fmt"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
)

// Field schemas per technique and device family.  The two families
// mostly agree; the differences that matter are that SP-300 OCV drops
// the control column and SP-300 CV swaps current ahead of voltage.
// Impedance techniques have two schemas, indexed by the process phase
// (0 = DC settle, 1 = frequency sweep).

func fi(name string, kind ecl.ParamKind) FieldInfo { return FieldInfo{Name: name, Kind: kind} }

var (
	vmp3OCV = []FieldInfo{
		fi("t_high", ecl.Int32),
		fi("t_low", ecl.Int32),
		fi("voltage", ecl.Single),
		fi("control", ecl.Single),
	}

	sp300OCV = []FieldInfo{
		fi("t_high", ecl.Int32),
		fi("t_low", ecl.Int32),
		fi("voltage", ecl.Single),
	}

	// chrono techniques (CA/CP and their limit variants) share a format
	chrono = []FieldInfo{
		fi("t_high", ecl.Int32),
		fi("t_low", ecl.Int32),
		fi("voltage", ecl.Single),
		fi("current", ecl.Single),
		fi("cycle", ecl.Int32),
	}

	vmp3CV = []FieldInfo{
		fi("t_high", ecl.Int32),
		fi("t_low", ecl.Int32),
		fi("control", ecl.Single),
		fi("current", ecl.Single),
		fi("voltage", ecl.Single),
		fi("cycle", ecl.Int32),
	}

	sp300CV = []FieldInfo{
		fi("t_high", ecl.Int32),
		fi("t_low", ecl.Int32),
		fi("current", ecl.Single),
		fi("voltage", ecl.Single),
		fi("cycle", ecl.Int32),
	}

	eisSettle = []FieldInfo{
		fi("t_high", ecl.Int32),
		fi("t_low", ecl.Int32),
		fi("voltage", ecl.Single),
		fi("current", ecl.Single),
	}

	eisSweep = []FieldInfo{
		fi("frequency", ecl.Single),
		fi("abs_voltage", ecl.Single),
		fi("abs_current", ecl.Single),
		fi("impedance_phase", ecl.Single),
		fi("voltage", ecl.Single),
		fi("current", ecl.Single),
		fi("empty1", ecl.Int32),
		fi("abs_voltage_ce", ecl.Single),
		fi("abs_current_ce", ecl.Single),
		fi("impedance_ce_phase", ecl.Single),
		fi("voltage_ce", ecl.Single),
		fi("empty2", ecl.Int32),
		fi("empty3", ecl.Int32),
		fi("time", ecl.Single),
	}

	// VMP3 appends the active current range to sweep rows
	vmp3EISSweep = append(append([]FieldInfo{}, eisSweep...), fi("current_range", ecl.Single))
)

// Fields returns the field schema for a technique on a family, selecting
// the process phase for impedance techniques.  An unknown combination is
// a configuration error.
func Fields(family ecl.DeviceFamily, tech ecl.TechniqueID, process int) ([]FieldInfo, error) {
	switch tech {
	case ecl.TechOCV:
		if family == ecl.SP300 {
			return sp300OCV, nil
		}
		return vmp3OCV, nil
	case ecl.TechCA, ecl.TechCP, ecl.TechCALimit, ecl.TechCPLimit:
		return chrono, nil
	case ecl.TechCV:
		if family == ecl.SP300 {
			return sp300CV, nil
		}
		return vmp3CV, nil
	case ecl.TechPEIS, ecl.TechGEIS:
		switch process {
		case 0:
			return eisSettle, nil
		case 1:
			if family == ecl.SP300 {
				return eisSweep, nil
			}
			return vmp3EISSweep, nil
		}
		return nil, fmt.Errorf("impedance process index %d out of range", process)
	}
	return nil, fmt.Errorf("no field schema for technique %d on %s", tech, family)
}
