// Package torque defines the domain model shared by every other package:
// specifications, bolt sequences, wrenches, operators, readings, sessions
// and the events a session emits.
//
// This package contains value types only. All other internal packages
// import torque; torque imports nothing internal.
//
// Key design constraints:
//   - Specifications are values. Changes go through Revise, which yields a
//     new revision with a new RevisionHash; approved specifications never
//     change in place.
//   - Events are append-only facts and are never mutated after creation.
//   - Torque is always Nm, angles are degrees, temperatures are Celsius.
//     Conversion happens once, in the normalize package.
package torque
