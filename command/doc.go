/*
Package command processes the string commands given to the voxflow executable and
their optional settings of the form "<key>=<value>".
*/
package command
