// Package exec provides validation helpers for shell commands the harness
// hands off to /bin/sh -c. Unlike an argv-based executor, the exec tool
// passes a whole command string through a shell, so metacharacters and
// quotes are expected and not rejected here — only the inputs that would
// smuggle a second, invisible command past the model and the user.
package exec

import "regexp"

// ControlChars matches control characters like newlines and carriage
// returns. A command containing one hides additional shell statements from
// whatever displayed the command for review before it ran.
var ControlChars = regexp.MustCompile(`[\r\n]`)
