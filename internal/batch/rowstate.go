package batch

// Row boundary states. A newline only ends a row in stateOutside.
const (
	stateOutside = iota
	stateQuoted
	stateEscaped
)

// rowState tracks whether the bytes seen so far leave us inside a quoted field,
// in which case a newline belongs to the field and not to the row delimiter.
//
// With no quote character every newline ends a row. When the escape character
// is unset it defaults to the quote character, so a doubled quote inside a
// quoted field simply toggles out of and back into the quoted state.
type rowState struct {
	quote  byte
	escape byte
	state  int
}

func newRowState(quote, escape byte) rowState {
	if escape == 0 {
		escape = quote
	}
	return rowState{quote: quote, escape: escape}
}

// feed advances the state machine over data.
func (s *rowState) feed(data []byte) {
	if s.quote == 0 {
		return
	}
	for _, c := range data {
		switch s.state {
		case stateOutside:
			if c == s.quote {
				s.state = stateQuoted
			}
		case stateQuoted:
			if c == s.escape && s.escape != s.quote {
				s.state = stateEscaped
			} else if c == s.quote {
				s.state = stateOutside
			}
		case stateEscaped:
			s.state = stateQuoted
		}
	}
}

// open reports whether the current row continues past the last newline fed.
func (s *rowState) open() bool {
	return s.state != stateOutside
}
