// Package contrib ships the built-in attribute extensions that make design
// documents useful for network data: object lookups, point-to-point
// connections, prefix allocation and config context file generation.
//
// Each extension is exposed as a design.Registration; wire the ones a
// deployment needs into the builder with design.WithExtensions.
package contrib
