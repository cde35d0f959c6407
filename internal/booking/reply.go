package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
)

var monthNames = [...]string{"", "enero", "febrero", "marzo", "abril", "mayo", "junio", "julio",
	"agosto", "septiembre", "octubre", "noviembre", "diciembre"}

var dayNames = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

// Reply renders the user-facing Spanish message for an outcome.
func (o Outcome) Reply() string {
	switch o.Kind {
	case AskDate:
		return "¿Para qué día te gustaría tu cita? Puedes decirme por ejemplo \"mañana\" o \"el 15 de marzo\"."
	case AskTime:
		return fmt.Sprintf("Perfecto, el %s. ¿A qué hora te acomoda? Atendemos de %s a %s.",
			HumanDate(o.History[VarDate]), o.Hours.Start, o.Hours.End)
	case PastDate:
		return "Esa fecha u hora ya pasó. Por favor indícame una fecha y hora futuras."
	case InvalidInterval:
		return "Las citas se agendan cada media hora (por ejemplo 10:00 o 10:30). ¿Qué hora prefieres?"
	case OutOfHours:
		return fmt.Sprintf("Ese horario está fuera de nuestro horario de atención (%s a %s). ¿Qué otra hora te acomoda?",
			o.Hours.Start, o.Hours.End)
	case ClosedDay:
		return "Ese día no tenemos atención. ¿Qué otro día te gustaría?"
	case Occupied:
		msg := "Ese horario ya está ocupado."
		if len(o.Alternatives) > 0 {
			msg += " Horarios disponibles ese día: " + strings.Join(o.Alternatives, ", ") + "."
		} else {
			msg += " Ya no hay horarios libres ese día, ¿te gustaría otro?"
		}
		return msg
	case Booked:
		if o.Slot == nil {
			return "¡Listo! Tu cita quedó agendada."
		}
		return fmt.Sprintf("¡Listo! Tu cita quedó agendada para el %s a las %s.", HumanDate(o.Slot.Date), o.Slot.Time)
	}
	return ""
}

// HumanDate formats YYYY-MM-DD as "domingo 15 de marzo". Invalid input is returned as is.
func HumanDate(date string) string {
	t, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return date
	}
	return fmt.Sprintf("%s %d de %s", dayNames[t.Weekday()], t.Day(), monthNames[t.Month()])
}
