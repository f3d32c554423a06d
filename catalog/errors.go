package catalog

import "errors"

var (
	// ErrNotFound is returned when the targeted database, table, machine or version doesn't exist.
	ErrNotFound = errors.New("magicdb: entity not found")

	// ErrAlreadyExists is returned when creating an entity that already exists.
	ErrAlreadyExists = errors.New("magicdb: entity already exists")

	// ErrInvalidProperties is returned when required property keys are missing on create.
	ErrInvalidProperties = errors.New("magicdb: invalid properties")

	// ErrInvalidName is returned for identifiers that cannot be used as key segments.
	ErrInvalidName = errors.New("magicdb: invalid name")

	// ErrMachineInUse is returned when adding a machine that is bound to another database.
	ErrMachineInUse = errors.New("magicdb: machine is bound to another database")

	// ErrCorruptDocument is returned when a stored document cannot be decoded.
	ErrCorruptDocument = errors.New("magicdb: corrupt document")
)

// IsRejected reports whether err is a domain outcome of an operation (the
// operation was refused and nothing was written) rather than a store fault.
func IsRejected(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidProperties) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrMachineInUse) ||
		errors.Is(err, ErrCorruptDocument)
}
