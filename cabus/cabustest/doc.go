// Package cabustest contains test doubles for the cabus interfaces.
package cabustest
