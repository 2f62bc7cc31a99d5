package provision

import "fmt"

// ResetStatements returns the statements that rebuild the assignment table
// and its access policy, in execution order. Running them drops every
// existing assignment.
func ResetStatements(t Tables) []string {
	a, r := t.Assignments, t.Roles
	return []string{
		fmt.Sprintf(`alter table if exists %s disable row level security;`, a),
		fmt.Sprintf(`drop table if exists %s cascade;`, a),
		fmt.Sprintf(`create table %s (
  id uuid primary key default gen_random_uuid(),
  user_id uuid not null unique,
  profile_id uuid not null references %s(id) on delete cascade,
  created_at timestamp default current_timestamp,
  updated_at timestamp default current_timestamp
);`, a, r),
		fmt.Sprintf(`create index if not exists idx_%s_user on %s(user_id);`, a, a),
		fmt.Sprintf(`create index if not exists idx_%s_profile on %s(profile_id);`, a, a),
		fmt.Sprintf(`alter table %s enable row level security;`, a),
		fmt.Sprintf(`create policy "Allow all operations" on %s using (true) with check (true);`, a),
	}
}
