package model

import (
	"fmt"
	"strings"
)

// maxNameLen is the DNS-1123 label limit the orchestration platform enforces.
const maxNameLen = 63

// BoundaryName derives the isolation boundary name for a course.
func BoundaryName(courseID int64) string {
	return fmt.Sprintf("course-%d", courseID)
}

// SandboxName derives the sandbox name for a student in a course:
// "<course-name-lowercased>-<student-id>". The course name is reduced to
// lowercase alphanumerics and dashes, and shortened so the whole name
// stays a valid DNS-1123 label.
func SandboxName(courseName string, studentID int64) string {
	suffix := fmt.Sprintf("-%d", studentID)

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(courseName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}

	prefix := strings.Trim(b.String(), "-")
	if prefix == "" {
		prefix = "sandbox"
	}
	if room := maxNameLen - len(suffix); len(prefix) > room {
		prefix = strings.TrimRight(prefix[:room], "-")
	}
	return prefix + suffix
}
