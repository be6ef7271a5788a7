package vm

import "fmt"

// ---------------------------------------------------------------------------
// Exception objects
// ---------------------------------------------------------------------------

// ExceptionKind classifies VM-raised exceptions.
type ExceptionKind uint8

const (
	// TypeCastError: a value of the wrong kind appeared where a specific
	// class was required.
	TypeCastError ExceptionKind = iota

	// JumpError: a break targeted a method activation that already returned.
	JumpError

	// RuntimeError: any other condition raised by a runtime helper.
	RuntimeError
)

func (k ExceptionKind) String() string {
	switch k {
	case TypeCastError:
		return "TypeCastError"
	case JumpError:
		return "JumpError"
	case RuntimeError:
		return "RuntimeError"
	}
	return fmt.Sprintf("ExceptionKind(%d)", uint8(k))
}

// Location is one entry of a captured call stack.
type Location struct {
	Name string // code unit name
	IP   int    // instruction pointer at capture time
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Name, l.IP)
}

// ExceptionPayload is the body of a KindException heap object.
type ExceptionPayload struct {
	Kind      ExceptionKind
	Message   string
	Locations []Location
}

// NewException allocates an exception object on the heap.
func (h *Heap) NewException(kind ExceptionKind, message string, locations []Location) *Object {
	return h.allocate(&Object{
		Kind: KindException,
		Exc: &ExceptionPayload{
			Kind:      kind,
			Message:   message,
			Locations: locations,
		},
	})
}

// locationsFromCallStack captures the current call stack of a thread,
// innermost frame first.
func locationsFromCallStack(st *ThreadState) []Location {
	var locs []Location
	for cf := st.Current(); cf != nil; cf = cf.Previous {
		locs = append(locs, Location{Name: cf.Code.Name, IP: cf.IP})
	}
	return locs
}

// ---------------------------------------------------------------------------
// Go-facing error surface
// ---------------------------------------------------------------------------

// UncaughtException is returned by Run* entry points when a raised
// exception propagates off the top of the frame chain. It terminates the
// offending thread and surfaces through the thread's join channel.
type UncaughtException struct {
	Kind      ExceptionKind
	Message   string
	Locations []Location
}

func (e *UncaughtException) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
