package trap

import (
	"context"

	"github.com/tinyrange/armvirt/internal/exittrace"
	"github.com/tinyrange/armvirt/internal/hv"
)

// Handler emulates one exception class. The set of handlers is closed: the
// only implementations live in this package and are reachable through
// Lookup.
type Handler interface {
	Class() ExceptionClass
	Name() string

	handle(ctx context.Context, d *Dispatcher, e *exit) (hv.Outcome, error)
}

// handlers maps exception classes to their emulation. Classes without an
// entry are unsupported and fatal when trapped. Never written after init.
var handlers = [NumClasses]Handler{
	ClassWFI:      wfiHandler{},
	ClassCP15_32:  cp15Handler{class: ClassCP15_32},
	ClassCP15_64:  cp15Handler{class: ClassCP15_64},
	ClassCP14_MR:  undefHandler{class: ClassCP14_MR, name: "cp14 mrc/mcr"},
	ClassCP14_LS:  undefHandler{class: ClassCP14_LS, name: "cp14 ldc/stc"},
	ClassCP14_64:  undefHandler{class: ClassCP14_64, name: "cp14 mrrc/mcrr"},
	ClassSVC_HYP:  svcHypHandler{},
	ClassHVC:      hvcHandler{},
	ClassSMC:      undefHandler{class: ClassSMC, name: "smc"},
	ClassIABT:     abortHandler{class: ClassIABT},
	ClassIABT_HYP: hypAbortHandler{class: ClassIABT_HYP},
	ClassDABT:     abortHandler{class: ClassDABT},
	ClassDABT_HYP: hypAbortHandler{class: ClassDABT_HYP},
}

// exit kinds for tracing, one per table entry
var classKinds = func() [NumClasses]exittrace.Kind {
	var kinds [NumClasses]exittrace.Kind
	for class, h := range handlers {
		if h != nil {
			kinds[class] = exittrace.RegisterKind("trap_" + ExceptionClass(class).String())
		}
	}
	return kinds
}()

// Lookup returns the handler for class. A miss means the class is outside
// the table or deliberately left unhandled.
func Lookup(class ExceptionClass) (Handler, bool) {
	if int(class) >= len(handlers) {
		return nil, false
	}
	h := handlers[class]
	return h, h != nil
}

// Classes lists the handled exception classes in ascending order.
func Classes() []ExceptionClass {
	var classes []ExceptionClass
	for class, h := range handlers {
		if h != nil {
			classes = append(classes, ExceptionClass(class))
		}
	}
	return classes
}
