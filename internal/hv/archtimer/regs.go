package archtimer

import "fmt"

// Reg identifies a timer register for save and restore.
type Reg int

const (
	RegCtl Reg = iota
	RegCnt
	RegCval
)

func (r Reg) String() string {
	switch r {
	case RegCtl:
		return "CNTV_CTL"
	case RegCnt:
		return "CNTVCT"
	case RegCval:
		return "CNTV_CVAL"
	default:
		return fmt.Sprintf("timer-reg(%d)", int(r))
	}
}

// ReadCtl returns CNTV_CTL as the guest sees it, with ISTATUS reflecting
// whether the compare condition is met.
func (t *Timer) ReadCtl() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctl := t.ctl
	if ctl&CtlEnable != 0 && t.cval <= t.vm.Now() {
		ctl |= CtlIStatus
	}
	return ctl
}

// WriteCtl updates CNTV_CTL. ISTATUS is read-only.
func (t *Timer) WriteCtl(v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctl = v & (CtlEnable | CtlIMask)
}

func (t *Timer) ReadCval() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cval
}

func (t *Timer) WriteCval(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cval = v
}

// ReadTval returns CNTV_TVAL, the signed 32 bit distance to the compare value.
func (t *Timer) ReadTval() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(t.cval - t.vm.Now())
}

// WriteTval sets the compare value relative to the current count.
func (t *Timer) WriteTval(v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cval = t.vm.Now() + uint64(int64(int32(v)))
}

// ReadCount returns CNTVCT.
func (t *Timer) ReadCount() uint64 {
	return t.vm.Now()
}

// Frequency returns CNTFRQ.
func (t *Timer) Frequency() uint64 {
	return t.host.counter.Rate()
}

// GetReg reads a timer register for userspace.
func (t *Timer) GetReg(reg Reg) (uint64, error) {
	switch reg {
	case RegCtl:
		return uint64(t.ReadCtl()), nil
	case RegCnt:
		return t.ReadCount(), nil
	case RegCval:
		return t.ReadCval(), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownReg, reg)
	}
}

// SetReg writes a timer register from userspace. Writing the count moves the
// VM-wide virtual offset.
func (t *Timer) SetReg(reg Reg, v uint64) error {
	switch reg {
	case RegCtl:
		t.WriteCtl(uint32(v))
	case RegCnt:
		t.vm.SetCount(v)
	case RegCval:
		t.WriteCval(v)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownReg, reg)
	}
	return nil
}
