package amc

// McsTable selects one of the two standard MCS tables.
type McsTable uint8

const (
	// McsTable1 tops out at 64QAM (29 entries).
	McsTable1 McsTable = 1
	// McsTable2 adds 256QAM (28 entries).
	McsTable2 McsTable = 2
)

// eesmTable groups every per-MCS constant the error model needs.
type eesmTable struct {
	beta       []float64
	ecr        []float64
	modulation []uint8
	seMcs      []float64
	seCqi      []float64
}

var beta1 = []float64{
	1.1544, 1.1813, 1.2075, 1.2498, 1.2913, 1.3430, 1.3939, 1.45, 1.5053, 1.5614,
	2.9764, 3.2740, 3.7125, 4.1509, 4.6442, 5.1375, 5.4664,
	7.9177, 9.0798, 10.9915, 12.7727, 14.5723, 16.5644, 18.9099, 21.5072, 24.1479, 26.9422, 28.9536, 30.9325,
}

var beta2 = []float64{
	1.1544, 1.2075, 1.2963, 1.3939, 1.5053,
	3.2740, 3.7125, 4.1509, 4.6442, 5.1375, 5.4664,
	9.0798, 10.9915, 12.7727, 14.5723, 16.5644, 18.9099, 21.5072, 24.1479, 26.9422,
	52.9467, 58.9117, 68.5736, 78.9416, 90.1368, 101.7340, 110.1554, 118.5677,
}

var ecr1 = []float64{
	// QPSK
	0.08, 0.1, 0.11, 0.15, 0.19, 0.24, 0.3, 0.37, 0.44, 0.51,
	// 16QAM
	0.3, 0.33, 0.37, 0.42, 0.48, 0.54, 0.6,
	// 64QAM
	0.43, 0.45, 0.5, 0.55, 0.6, 0.65, 0.7, 0.75, 0.8, 0.85, 0.89, 0.92,
}

var ecr2 = []float64{
	0.11, 0.18, 0.30, 0.43, 0.58,
	0.36, 0.42, 0.47, 0.54, 0.60, 0.64,
	0.45, 0.50, 0.55, 0.60, 0.65, 0.70, 0.75, 0.80, 0.85,
	0.66, 0.69, 0.73, 0.77, 0.82, 0.86, 0.89, 0.92,
}

var modulation1 = []uint8{
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2,
	4, 4, 4, 4, 4, 4, 4,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
}

var modulation2 = []uint8{
	2, 2, 2, 2, 2,
	4, 4, 4, 4, 4, 4,
	6, 6, 6, 6, 6, 6, 6, 6, 6,
	8, 8, 8, 8, 8, 8, 8, 8,
}

var seMcs1 = []float64{
	0.2344, 0.3066, 0.377, 0.4902, 0.616, 0.7402, 0.877, 1.0273, 1.1758, 1.3262,
	1.3281, 1.4766, 1.6953, 1.9141, 2.1602, 2.4063, 2.5703,
	2.5664, 2.7305, 3.0293, 3.3223, 3.6094, 3.9023, 4.2129, 4.5234, 4.8164, 5.1152, 5.3320, 5.5547,
}

var seMcs2 = []float64{
	0.2344, 0.3770, 0.6016, 0.8770, 1.1758,
	1.4766, 1.6953, 1.9141, 2.1602, 2.4063, 2.5703,
	2.7305, 3.0293, 3.3223, 3.6094, 3.9023, 4.2129, 4.5234, 4.8164, 5.1152,
	5.3320, 5.5547, 5.8906, 6.2266, 6.5703, 6.9141, 7.1602, 7.4063,
}

// Index 0 is "out of range".
var seCqi1 = []float64{
	0.0, 0.15, 0.23, 0.38, 0.6, 0.88, 1.18, 1.48, 1.91, 2.41, 2.73, 3.32, 3.9, 4.52, 5.12, 5.55,
}

var seCqi2 = []float64{
	0.0, 0.15, 0.37, 0.87, 1.47, 1.91, 2.40, 2.73, 3.32, 3.90, 4.52, 5.11, 5.55, 6.22, 6.91, 7.40,
}

// liftingSizes are the LDPC lifting sizes Zc in ascending order.
var liftingSizes = []uint32{
	2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 18, 20, 22, 24, 26, 28, 30, 32,
	36, 40, 44, 48, 52, 56, 60, 64, 72, 80, 88, 96, 104, 112, 120, 128, 144, 160, 176,
	192, 208, 224, 240, 256, 288, 320, 352, 384,
}

func tableFor(t McsTable) (eesmTable, bool) {
	switch t {
	case McsTable1:
		return eesmTable{beta: beta1, ecr: ecr1, modulation: modulation1, seMcs: seMcs1, seCqi: seCqi1}, true
	case McsTable2:
		return eesmTable{beta: beta2, ecr: ecr2, modulation: modulation2, seMcs: seMcs2, seCqi: seCqi2}, true
	default:
		return eesmTable{}, false
	}
}
