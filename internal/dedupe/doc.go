// Package dedupe drops repeated event IDs seen within a time window.
package dedupe
