package telephony

import (
	"fmt"
	"strings"
)

// sanitizePhone keeps only the characters a phone value may legally contain.
// Everything else is stripped before the value is embedded in XML, so a
// hostile webhook body cannot inject markup into the directive.
func sanitizePhone(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == '(' || r == ')' || r == ' ':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StreamDirective renders the XML document that instructs the telephony
// provider to open the media WebSocket at host, forwarding the sanitized
// caller and restaurant numbers as stream parameters.
func StreamDirective(host, caller, restaurant string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="wss://%s/stream">
      <Parameter name="callerPhone" value="%s"/>
      <Parameter name="restaurantPhone" value="%s"/>
    </Stream>
  </Connect>
</Response>`, host, sanitizePhone(caller), sanitizePhone(restaurant))
}
