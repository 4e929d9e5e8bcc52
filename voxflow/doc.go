/*
Package voxflow provides types, constants, and functions that have no other dependencies
and can be used by all packages within voxflow.  This includes the 5d region algebra
(Point5D, Shape5D, Slice5D), the error taxonomy, logging, and the serialization of
block payloads.  Axes are always t, c, x, y, z and are addressed by name.
*/
package voxflow
