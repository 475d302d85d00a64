package task

import (
	"fmt"
	"time"
)

// ExceptionCode is the reserved error code for wrapped runtime errors
// that did not originate from a PLC error register.
const ExceptionCode = 999

// errorMessages maps PLC error codes to operator-facing text. Codes not
// present here render through the fallback in ErrorMessage.
var errorMessages = map[int]string{
	1:   "Emergency stop engaged",
	2:   "Safety door open",
	3:   "Drive fault on shuttle axis",
	4:   "Drive fault on elevator axis",
	5:   "Position encoder out of range",
	6:   "Pallet sensor blocked",
	7:   "Pallet lost during movement",
	8:   "Target position occupied",
	9:   "Target position empty",
	10:  "Rail obstruction detected",
	11:  "Elevator not level",
	12:  "Gate conveyor not ready",
	13:  "Pallet overhang detected",
	14:  "Pallet overweight",
	15:  "Warning: Pallet not meeting requirements",
	16:  "Barcode reader fault",
	17:  "Fork not centered",
	18:  "Lift chain slack detected",
	20:  "Hydraulic pressure low",
	21:  "Motor over temperature",
	30:  "Communication lost to shuttle",
	31:  "Communication lost to elevator",
	999: "Internal execution error",
}

// ErrorMessage resolves a PLC error code to its message. Unknown codes
// render as the literal fallback string.
func ErrorMessage(code int) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown error code: %d", code)
}

// ErrorDetail describes a PLC-side error observed during execution.
type ErrorDetail struct {
	Code       int       `json:"code"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewErrorDetail builds an ErrorDetail from a PLC error code, resolving
// the message from the static table.
func NewErrorDetail(code int) *ErrorDetail {
	return &ErrorDetail{
		Code:       code,
		Message:    ErrorMessage(code),
		DetectedAt: time.Now(),
	}
}

// WrapError builds an ErrorDetail for a runtime error using the
// reserved exception code.
func WrapError(err error) *ErrorDetail {
	return &ErrorDetail{
		Code:       ExceptionCode,
		Message:    err.Error(),
		DetectedAt: time.Now(),
	}
}

func (d *ErrorDetail) String() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("[%d] %s", d.Code, d.Message)
}
