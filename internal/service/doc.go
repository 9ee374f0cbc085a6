// Package service defines the adapter abstraction every monitored service
// goes through: the Adapter interface, the normalized State/Status model,
// the ordered Details map and the Registry that turns configuration
// entries into adapters.
package service
