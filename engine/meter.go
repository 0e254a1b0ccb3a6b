package engine

// meter accumulates a running average of one reported statistic over an
// epoch.
type meter struct {
	sum   float64
	count int
}

func (m *meter) update(value float64) {
	m.sum += value
	m.count++
}

func (m *meter) average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// meterSet keeps one meter per statistic name, in first-seen order.
type meterSet struct {
	order  []string
	meters map[string]*meter
}

func newMeterSet() *meterSet {
	return &meterSet{meters: make(map[string]*meter)}
}

func (ms *meterSet) update(name string, value float64) {
	m, ok := ms.meters[name]
	if !ok {
		m = &meter{}
		ms.meters[name] = m
		ms.order = append(ms.order, name)
	}
	m.update(value)
}
