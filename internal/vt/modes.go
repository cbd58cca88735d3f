package vt

// modeTracker watches the byte stream for the DECSET/DECRST private modes a
// reattach must re-establish on the client terminal. The emulator owns the
// full parse; this tracker only needs CSI ? Pm h / CSI ? Pm l, and it keeps
// enough state to survive sequences split across writes.
type modeTracker struct {
	appCursor      bool // DECCKM, ?1
	bracketedPaste bool // ?2004

	state  int
	params []byte
}

const (
	mtGround = iota
	mtEsc
	mtCSI
	mtPrivate
)

func (m *modeTracker) scan(p []byte) {
	for _, b := range p {
		switch m.state {
		case mtGround:
			if b == 0x1b {
				m.state = mtEsc
			}
		case mtEsc:
			if b == '[' {
				m.state = mtCSI
			} else {
				m.state = mtGround
			}
		case mtCSI:
			if b == '?' {
				m.state = mtPrivate
				m.params = m.params[:0]
			} else {
				m.state = mtGround
			}
		case mtPrivate:
			switch {
			case b >= '0' && b <= '9' || b == ';':
				m.params = append(m.params, b)
			case b == 'h' || b == 'l':
				m.apply(b == 'h')
				m.state = mtGround
			default:
				m.state = mtGround
			}
		}
	}
}

func (m *modeTracker) apply(set bool) {
	num := 0
	flush := func() {
		switch num {
		case 1:
			m.appCursor = set
		case 2004:
			m.bracketedPaste = set
		}
		num = 0
	}
	for _, b := range m.params {
		if b == ';' {
			flush()
			continue
		}
		num = num*10 + int(b-'0')
	}
	flush()
}
